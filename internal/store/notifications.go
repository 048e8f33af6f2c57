package store

import (
	"context"
	"fmt"
	"time"

	"github.com/qualys/nhi/internal/models"
)

// GetNotificationSettings returns models.ErrNotFound when the project never
// saved settings.
func (s *Store) GetNotificationSettings(ctx context.Context, projectID string) (*models.NotificationSettings, error) {
	var settings models.NotificationSettings
	if err := s.db.GetContext(ctx, &settings, `
		SELECT * FROM notification_settings WHERE project_id = $1
	`, projectID); err != nil {
		return nil, notFound(err, "notification settings")
	}
	return &settings, nil
}

func (s *Store) UpsertNotificationSettings(ctx context.Context, settings *models.NotificationSettings) error {
	settings.UpdatedAt = time.Now()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notification_settings (project_id, scan_notifications_enabled, scan_channels,
			policy_notifications_enabled, policy_channels, updated_at)
		VALUES (:project_id, :scan_notifications_enabled, :scan_channels,
			:policy_notifications_enabled, :policy_channels, :updated_at)
		ON CONFLICT (project_id) DO UPDATE SET
			scan_notifications_enabled = EXCLUDED.scan_notifications_enabled,
			scan_channels = EXCLUDED.scan_channels,
			policy_notifications_enabled = EXCLUDED.policy_notifications_enabled,
			policy_channels = EXCLUDED.policy_channels,
			updated_at = EXCLUDED.updated_at
	`, settings)
	if err != nil {
		return fmt.Errorf("saving notification settings: %w", err)
	}
	return nil
}
