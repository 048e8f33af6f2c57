package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"

	"github.com/qualys/nhi/internal/models"
)

func TestNotifyScanCompleted_Slack(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#nhi"}}, nil)
	if err := svc.NotifyScanCompleted(context.Background(), "proj-1", "aws-prod", 12); err != nil {
		t.Fatalf("NotifyScanCompleted failed: %v", err)
	}

	if got.Channel != "#nhi" || len(got.Attachments) != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if !strings.Contains(got.Attachments[0].Text, "aws-prod discovered 12") {
		t.Errorf("text = %q", got.Attachments[0].Text)
	}
	fields := map[string]string{}
	for _, f := range got.Attachments[0].Fields {
		fields[f.Title] = f.Value
	}
	if fields["Identities"] != "12" || fields["Source"] != "aws-prod" {
		t.Errorf("fields = %v", fields)
	}
}

func TestSend_SlackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL}}, nil)
	err := svc.NotifyPolicyExecuted(context.Background(), "p", "pol", "id", models.PolicyActionFlag,
		models.ExecutionStatusCompleted, "")
	if err == nil || !strings.Contains(err.Error(), "status 500") {
		t.Errorf("want status error, got %v", err)
	}
}

func TestNotifyPolicyExecuted_SeverityFilter(t *testing.T) {
	tests := []struct {
		name     string
		action   models.PolicyAction
		status   models.ExecutionStatus
		wantSent bool
	}{
		{"flag below threshold", models.PolicyActionFlag, models.ExecutionStatusCompleted, false},
		{"remediation below threshold", models.PolicyActionRemediate, models.ExecutionStatusCompleted, false},
		{"failure meets threshold", models.PolicyActionRemediate, models.ExecutionStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent []byte
			svc := NewService(Config{Email: EmailConfig{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				SMTPPort:    587,
				From:        "nhi@example.com",
				To:          []string{"sec@example.com"},
				MinSeverity: models.SeverityHigh,
			}}, nil)
			svc.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
				if addr != "smtp.example.com:587" {
					t.Errorf("addr = %s", addr)
				}
				sent = msg
				return nil
			}

			err := svc.NotifyPolicyExecuted(context.Background(), "p", "Kill admin keys", "ci-bot",
				tt.action, tt.status, "boom")
			if err != nil {
				t.Fatalf("NotifyPolicyExecuted failed: %v", err)
			}
			if (sent != nil) != tt.wantSent {
				t.Fatalf("sent = %v, want %v", sent != nil, tt.wantSent)
			}
			if sent != nil && !strings.Contains(string(sent), "Subject: [NHI] Policy failed") {
				t.Errorf("unexpected message:\n%s", sent)
			}
		})
	}
}

type fakeSettings map[string]*models.NotificationSettings

func (f fakeSettings) GetNotificationSettings(ctx context.Context, projectID string) (*models.NotificationSettings, error) {
	if s, ok := f[projectID]; ok {
		return s, nil
	}
	return nil, models.ErrNotFound
}

func TestProjectSettingsRouteSlack(t *testing.T) {
	var (
		mu       sync.Mutex
		channels []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg SlackMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		mu.Lock()
		channels = append(channels, msg.Channel)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{Slack: SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#default"}}, nil)
	svc.SetSettingsProvider(fakeSettings{
		"scans-only": {ProjectID: "scans-only", ScanNotificationsEnabled: true, ScanChannels: "#nhi, #sec,", PolicyChannels: "#ignored"},
		"defaults":   {ProjectID: "defaults", ScanNotificationsEnabled: true, PolicyNotificationsEnabled: true},
	})

	tests := []struct {
		name      string
		project   string
		policy    bool
		wantSlack []string
	}{
		{"scan to listed channels", "scans-only", false, []string{"#nhi", "#sec"}},
		{"policy disabled", "scans-only", true, nil},
		{"no saved settings", "unknown", false, nil},
		{"empty channels use default", "defaults", true, []string{"#default"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mu.Lock()
			channels = nil
			mu.Unlock()

			var err error
			if tt.policy {
				err = svc.NotifyPolicyExecuted(context.Background(), tt.project, "pol", "key", models.PolicyActionFlag,
					models.ExecutionStatusCompleted, "")
			} else {
				err = svc.NotifyScanCompleted(context.Background(), tt.project, "gh", 3)
			}
			if err != nil {
				t.Fatalf("notify failed: %v", err)
			}

			mu.Lock()
			defer mu.Unlock()
			if strings.Join(channels, " ") != strings.Join(tt.wantSlack, " ") {
				t.Errorf("slack channels = %v, want %v", channels, tt.wantSlack)
			}
		})
	}
}
