package nhi

import (
	"context"
	"errors"

	"github.com/qualys/nhi/internal/auth"
	"github.com/qualys/nhi/internal/models"
)

const maxChannelsLength = 255

// NotificationSettings is a project's settings as the API shows them.
type NotificationSettings struct {
	models.NotificationSettings
	// SlackConfigured reports whether Slack delivery is set up at all.
	SlackConfigured bool `json:"is_slack_configured"`
}

// NotificationSettingsInput changes the fields that are set.
type NotificationSettingsInput struct {
	ScanNotificationsEnabled   *bool   `json:"is_scan_notification_enabled,omitempty"`
	ScanChannels               *string `json:"scan_channels,omitempty"`
	PolicyNotificationsEnabled *bool   `json:"is_policy_notification_enabled,omitempty"`
	PolicyChannels             *string `json:"policy_channels,omitempty"`
}

func (in NotificationSettingsInput) validate() error {
	for name, v := range map[string]*string{"scan_channels": in.ScanChannels, "policy_channels": in.PolicyChannels} {
		if v != nil && len(*v) > maxChannelsLength {
			return invalid("%s is longer than %d characters", name, maxChannelsLength)
		}
	}
	return nil
}

func (s *Service) loadNotificationSettings(ctx context.Context, projectID string) (*models.NotificationSettings, error) {
	settings, err := s.store.GetNotificationSettings(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return &models.NotificationSettings{ProjectID: projectID}, nil
	}
	return settings, err
}

// GetNotificationSettings returns the project's settings. A project that never
// saved any gets everything disabled.
func (s *Service) GetNotificationSettings(ctx context.Context, actor models.Actor, projectID string) (*NotificationSettings, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionRead); err != nil {
		return nil, err
	}
	settings, err := s.loadNotificationSettings(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &NotificationSettings{NotificationSettings: *settings, SlackConfigured: s.slackConfigured}, nil
}

func (s *Service) UpdateNotificationSettings(ctx context.Context, actor models.Actor, projectID string, in NotificationSettingsInput) (*NotificationSettings, error) {
	if err := s.authorize(ctx, actor, projectID, auth.ActionManage); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	settings, err := s.loadNotificationSettings(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if in.ScanNotificationsEnabled != nil {
		settings.ScanNotificationsEnabled = *in.ScanNotificationsEnabled
	}
	if in.ScanChannels != nil {
		settings.ScanChannels = *in.ScanChannels
	}
	if in.PolicyNotificationsEnabled != nil {
		settings.PolicyNotificationsEnabled = *in.PolicyNotificationsEnabled
	}
	if in.PolicyChannels != nil {
		settings.PolicyChannels = *in.PolicyChannels
	}

	if err := s.store.UpsertNotificationSettings(ctx, settings); err != nil {
		return nil, err
	}
	s.logger.Info("notification settings updated", "project_id", projectID, "actor_id", actor.ID,
		"scan", settings.ScanNotificationsEnabled, "policy", settings.PolicyNotificationsEnabled)
	return &NotificationSettings{NotificationSettings: *settings, SlackConfigured: s.slackConfigured}, nil
}
