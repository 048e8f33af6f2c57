// Package notifications delivers scan and policy events to Slack and email.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/qualys/nhi/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyScanCompleted  NotificationType = "scan_completed"
	NotifyPolicyExecuted NotificationType = "policy_executed"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	ProjectID string
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
	// Channels overrides the configured Slack channel.
	Channels []string
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity
}

type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// SettingsProvider looks up a project's notification settings. It returns
// models.ErrNotFound when the project has none.
type SettingsProvider interface {
	GetNotificationSettings(ctx context.Context, projectID string) (*models.NotificationSettings, error)
}

// Service handles notifications
type Service struct {
	config   Config
	settings SettingsProvider
	logger   *slog.Logger
	client   *http.Client
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config:   config,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		sendMail: smtp.SendMail,
	}
}

// SetSettingsProvider makes project events follow per-project settings.
// Without a provider every project receives every event on the configured
// Slack channel.
func (s *Service) SetSettingsProvider(p SettingsProvider) {
	s.settings = p
}

// deliveryFor reports whether projectID takes events of type t and the Slack
// channels they go to. A project without saved settings takes none.
func (s *Service) deliveryFor(ctx context.Context, projectID string, t NotificationType) (bool, []string, error) {
	if s.settings == nil {
		return true, nil, nil
	}
	settings, err := s.settings.GetNotificationSettings(ctx, projectID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("loading notification settings: %w", err)
	}
	switch t {
	case NotifyScanCompleted:
		return settings.ScanNotificationsEnabled, models.ChannelList(settings.ScanChannels), nil
	case NotifyPolicyExecuted:
		return settings.PolicyNotificationsEnabled, models.ChannelList(settings.PolicyChannels), nil
	}
	return true, nil, nil
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	return errors.Join(errs...)
}

var severityOrder = map[models.Severity]int{
	models.SeverityLow:      1,
	models.SeverityMedium:   2,
	models.SeverityHigh:     3,
	models.SeverityCritical: 4,
}

func shouldNotify(actual, minimum models.Severity) bool {
	return severityOrder[actual] >= severityOrder[minimum]
}

// NotifyScanCompleted announces a finished scan and its identity count.
func (s *Service) NotifyScanCompleted(ctx context.Context, projectID, sourceName string, count int) error {
	enabled, channels, err := s.deliveryFor(ctx, projectID, NotifyScanCompleted)
	if err != nil || !enabled {
		return err
	}
	return s.Send(ctx, &Notification{
		Type:      NotifyScanCompleted,
		ProjectID: projectID,
		Title:     "Scan Completed",
		Message:   fmt.Sprintf("Scan of %s discovered %d non-human identities", sourceName, count),
		Severity:  models.SeverityLow,
		Data: map[string]interface{}{
			"project":    projectID,
			"source":     sourceName,
			"identities": count,
		},
		Timestamp: time.Now(),
		Channels:  channels,
	})
}

// NotifyPolicyExecuted reports the outcome of a policy applied to one identity.
func (s *Service) NotifyPolicyExecuted(ctx context.Context, projectID, policyName, identityName string,
	action models.PolicyAction, status models.ExecutionStatus, message string) error {
	enabled, channels, err := s.deliveryFor(ctx, projectID, NotifyPolicyExecuted)
	if err != nil || !enabled {
		return err
	}

	severity := models.SeverityMedium
	if status == models.ExecutionStatusFailed {
		severity = models.SeverityHigh
	} else if action == models.PolicyActionFlag {
		severity = models.SeverityLow
	}

	data := map[string]interface{}{
		"project":  projectID,
		"policy":   policyName,
		"identity": identityName,
		"action":   string(action),
		"status":   string(status),
	}
	text := fmt.Sprintf("Policy %q applied %s to %s", policyName, action, identityName)
	if message != "" {
		data["message"] = message
		text += ": " + message
	}

	return s.Send(ctx, &Notification{
		Type:      NotifyPolicyExecuted,
		ProjectID: projectID,
		Title:     fmt.Sprintf("Policy %s", status),
		Message:   text,
		Severity:  severity,
		Data:      data,
		Timestamp: time.Now(),
		Channels:  channels,
	})
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackFields = []struct{ key, title string }{
	{"source", "Source"},
	{"identities", "Identities"},
	{"policy", "Policy"},
	{"identity", "Identity"},
	{"action", "Action"},
	{"status", "Status"},
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := []SlackField{}
	for _, f := range slackFields {
		if v, ok := notif.Data[f.key]; ok {
			fields = append(fields, SlackField{Title: f.title, Value: fmt.Sprint(v), Short: true})
		}
	}

	channels := notif.Channels
	if len(channels) == 0 {
		channels = []string{s.config.Slack.Channel}
	}

	var errs []error
	for _, channel := range channels {
		if err := s.postSlack(ctx, notif, channel, fields); err != nil {
			errs = append(errs, fmt.Errorf("channel %q: %w", channel, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) postSlack(ctx context.Context, notif *Notification, channel string, fields []SlackField) error {
	msg := SlackMessage{
		Channel:   channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "NHI Security",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "type", notif.Type, "project_id", notif.ProjectID, "channel", channel)
	return nil
}

func severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(notif *Notification) error {
	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}
	msg := s.buildEmailMessage(fmt.Sprintf("[NHI] %s", notif.Title), body)

	var auth smtp.Auth
	if s.config.Email.Username != "" {
		auth = smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := s.sendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"recipients", len(s.config.Email.To))
	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; background-color: #f5f5f5; padding: 20px;">
    <div style="max-width: 600px; margin: 0 auto; background: white; border-radius: 8px;">
        <div style="padding: 20px; background: {{.Color}}; color: white; border-radius: 8px 8px 0 0;">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div style="padding: 20px;">
            <p>{{.Message}}</p>
            <table style="width: 100%; border-collapse: collapse;">
                {{range $key, $value := .Data}}
                <tr><td style="font-weight: bold; width: 30%;">{{$key}}</td><td>{{$value}}</td></tr>
                {{end}}
            </table>
        </div>
        <div style="padding: 15px 20px; font-size: 12px; color: #666;">
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`))

func formatEmailBody(notif *Notification) (string, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, map[string]interface{}{
		"Title":     notif.Title,
		"Message":   notif.Message,
		"Color":     severityToColor(notif.Severity),
		"Data":      notif.Data,
		"Timestamp": notif.Timestamp.Format(time.RFC1123),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
