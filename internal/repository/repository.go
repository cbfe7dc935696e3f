package repository

import (
	"context"

	"github.com/JanDub-code/tasknotify/internal/domain"
)

// NotificationRepository persists and queries team notifications.
// Listings are ordered newest first. A limit of zero or less means no limit.
type NotificationRepository interface {
	CreateNotification(ctx context.Context, notification *domain.Notification) error
	ListNotificationsByTeam(ctx context.Context, teamID string, limit int) ([]domain.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error)
}
