package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JanDub-code/tasknotify/internal/domain"
	"github.com/JanDub-code/tasknotify/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.NotificationRepository = (*Repository)(nil)

// CreateNotification inserts a notification row.
func (r *Repository) CreateNotification(ctx context.Context, notification *domain.Notification) error {
	const query = `INSERT INTO notifications (id, team_id, user_id, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, notification.ID, notification.TeamID, notification.UserID, notification.Text, notification.CreatedAt)
	return err
}

// ListNotificationsByTeam returns a team's notifications, newest first.
func (r *Repository) ListNotificationsByTeam(ctx context.Context, teamID string, limit int) ([]domain.Notification, error) {
	const query = `SELECT id, team_id, user_id, text, created_at FROM notifications
		WHERE team_id = $1 ORDER BY created_at DESC, id DESC`
	return r.listNotifications(ctx, query, teamID, limit)
}

// ListNotificationsByUser returns a user's notifications, newest first.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	const query = `SELECT id, team_id, user_id, text, created_at FROM notifications
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	return r.listNotifications(ctx, query, userID, limit)
}

func (r *Repository) listNotifications(ctx context.Context, query, key string, limit int) ([]domain.Notification, error) {
	args := []any{key}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.TeamID, &n.UserID, &n.Text, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}
