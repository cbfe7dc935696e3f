package domain

import "time"

// Notification is a message persisted for a team and pushed to its live subscribers.
type Notification struct {
	ID        string
	TeamID    string
	UserID    string
	Text      string
	CreatedAt time.Time
}

// Warning is an unscoped broadcast sent to every connected client.
type Warning struct {
	Message  string
	IssuedAt time.Time
}
