package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind tags which kind of event produced a notification
type EventKind string

const (
	KindLoginSuccess EventKind = "login_success"
	KindLoginFailure EventKind = "login_failure"
	KindHealthChange EventKind = "health_change"
)

// Notification is a formatted alert on its way to delivery. It is not kept
// after delivery finishes.
type Notification struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text"`
	Host      string    `json:"host,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewNotification creates a notification with a fresh ID
func NewNotification(kind EventKind, host, text string) *Notification {
	return &Notification{
		ID:        uuid.New().String(),
		Kind:      kind,
		Text:      text,
		Host:      host,
		CreatedAt: time.Now().UTC(),
	}
}
