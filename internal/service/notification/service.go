package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/JanDub-code/tasknotify/internal/domain"
	"github.com/JanDub-code/tasknotify/internal/repository"
	"github.com/JanDub-code/tasknotify/internal/ws"
)

var (
	errTeamRequired = errors.New("team id is required")
	errUserRequired = errors.New("user id is required")
	errTextRequired = errors.New("notification text is required")

	// ErrStoreUnavailable wraps a failed history query. The subscription it
	// belongs to is kept; the client may retry the fetch.
	ErrStoreUnavailable = errors.New("notification store unavailable")
)

// Service handles notification persistence, history replay and fan-out.
type Service struct {
	repo         repository.NotificationRepository
	broker       *ws.Broker
	logger       *slog.Logger
	historyLimit int
}

// New constructs a notification Service. historyLimit bounds replay size;
// zero or less replays everything.
func New(repo repository.NotificationRepository, broker *ws.Broker, logger *slog.Logger, historyLimit int) Service {
	return Service{repo: repo, broker: broker, logger: logger, historyLimit: historyLimit}
}

// Create persists a notification, then fans it out to the team's live
// subscribers. The broadcast happens strictly after the durable insert.
func (s Service) Create(ctx context.Context, teamID, userID, text string) (*domain.Notification, error) {
	teamID = strings.TrimSpace(teamID)
	userID = strings.TrimSpace(userID)
	text = strings.TrimSpace(text)
	if teamID == "" {
		return nil, errTeamRequired
	}
	if userID == "" {
		return nil, errUserRequired
	}
	if text == "" {
		return nil, errTextRequired
	}
	notification := &domain.Notification{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateNotification(ctx, notification); err != nil {
		return nil, err
	}
	s.broker.BroadcastNotification(teamID, *notification)
	s.logger.Info("notification created", "notification_id", notification.ID, "team_id", teamID)
	return notification, nil
}

// Subscribe registers a connection for a team's live notifications and
// replays the team's history to it as a single event, newest first.
//
// The subscription is recorded before the store query so a notification
// created mid-call is not lost to the race between "start listening" and
// "query history"; the client de-duplicates by notification id. If the query
// fails the subscription stands and the error is surfaced so the history
// fetch can be retried.
func (s Service) Subscribe(ctx context.Context, connID, teamID string) error {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return errTeamRequired
	}
	s.broker.Subscribe(teamID, connID)
	s.logger.Info("client subscribed", "conn_id", connID, "team_id", teamID)

	history, err := s.repo.ListNotificationsByTeam(ctx, teamID, s.historyLimit)
	if err != nil {
		s.logger.Error("history query failed", "conn_id", connID, "team_id", teamID, "error", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.broker.SendHistory(connID, history)
	return nil
}

// ListByTeam returns a team's notifications, newest first.
func (s Service) ListByTeam(ctx context.Context, teamID string, limit int) ([]domain.Notification, error) {
	return s.repo.ListNotificationsByTeam(ctx, teamID, limit)
}

// ListByUser returns a user's notifications, newest first.
func (s Service) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	return s.repo.ListNotificationsByUser(ctx, userID, limit)
}

// Warn broadcasts a system-wide warning to every connected client.
func (s Service) Warn(message string) (*domain.Warning, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, errTextRequired
	}
	warning := &domain.Warning{Message: message, IssuedAt: time.Now().UTC()}
	s.broker.BroadcastWarning(*warning)
	s.logger.Info("warning issued")
	return warning, nil
}

// Broker exposes the underlying broker (useful for HTTP handlers).
func (s Service) Broker() *ws.Broker {
	return s.broker
}
