package ws

import (
	"encoding/json"
	"time"

	"github.com/JanDub-code/tasknotify/internal/domain"
)

// Event names pushed to clients.
const (
	EventNotification        = "notification"
	EventNotificationHistory = "notificationHistory"
	EventWarning             = "warning"
)

// envelope is the outbound wire frame.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func notificationPayload(n domain.Notification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"team_id":    n.TeamID,
		"user_id":    n.UserID,
		"text":       n.Text,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func marshalNotification(n domain.Notification) ([]byte, error) {
	return json.Marshal(envelope{Event: EventNotification, Data: notificationPayload(n)})
}

func marshalNotificationHistory(notifications []domain.Notification) ([]byte, error) {
	items := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		items = append(items, notificationPayload(n))
	}
	return json.Marshal(envelope{Event: EventNotificationHistory, Data: items})
}

func marshalWarning(w domain.Warning) ([]byte, error) {
	issued := w.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	return json.Marshal(envelope{Event: EventWarning, Data: map[string]any{
		"message":   w.Message,
		"issued_at": issued.UTC().Format(time.RFC3339Nano),
	}})
}
