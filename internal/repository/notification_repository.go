package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/atelierhq/techpack-api/internal/models"
)

// NotificationRepository queues user-facing notifications. Writers treat it
// as best-effort; a failed insert never fails the triggering operation.
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository constructs the repository.
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Notify inserts one notification row per recipient.
func (r *NotificationRepository) Notify(ctx context.Context, userIDs []string, message string) error {
	if len(userIDs) == 0 || message == "" {
		return nil
	}
	const query = `INSERT INTO notifications (id, user_id, message, read, created_at) VALUES (:id, :user_id, :message, :read, :created_at)`
	now := time.Now().UTC()
	for _, userID := range userIDs {
		notification := models.Notification{
			ID:        uuid.NewString(),
			UserID:    userID,
			Message:   message,
			CreatedAt: now,
		}
		if _, err := r.db.NamedExecContext(ctx, query, notification); err != nil {
			return fmt.Errorf("create notification for %s: %w", userID, err)
		}
	}
	return nil
}

// ListForUser returns the most recent notifications for a user.
func (r *NotificationRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT id, user_id, message, read, created_at FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT %d`, limit)
	var notifications []models.Notification
	if err := r.db.SelectContext(ctx, &notifications, query, userID); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return notifications, nil
}
