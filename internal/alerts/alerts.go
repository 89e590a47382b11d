// Package alerts decides which events deserve a notification and renders the
// notification text.
package alerts

import (
	"fmt"

	"nasnotifier/internal/metrics"
	"nasnotifier/internal/models"
	"nasnotifier/internal/state"
)

// Options selects which notifications are produced
type Options struct {
	// Host tags every message when set
	Host string

	NewLoginIP  bool
	FailedLogin bool
	PoolHealth  bool

	// Record private, loopback and link-local login origins without notifying
	IgnorePrivate bool
}

// Engine turns classified events into notifications. It reads and updates
// the known-address store it was given and, like the store, must only be used
// from one goroutine.
type Engine struct {
	opts  Options
	known *state.KnownAddresses
}

// NewEngine creates an engine backed by known
func NewEngine(opts Options, known *state.KnownAddresses) *Engine {
	return &Engine{opts: opts, known: known}
}

// OnLogin returns a notification for ev, or false when ev is a duplicate or
// its kind is disabled. Every failure notifies; a success notifies only the
// first time its address is seen for the user.
func (e *Engine) OnLogin(ev models.LoginEvent) (*models.Notification, bool) {
	switch ev.Outcome {
	case models.OutcomeFailure:
		if !e.opts.FailedLogin {
			return nil, false
		}
		return e.notify(models.KindLoginFailure, FormatFailedLogin(ev)), true

	case models.OutcomeSuccess:
		if !e.opts.NewLoginIP {
			return nil, false
		}
		if !e.known.IsNew(ev.User, ev.Address) {
			return nil, false
		}
		e.known.Record(ev.User, ev.Address)
		metrics.KnownAddresses.Set(float64(e.known.Len()))
		if e.opts.IgnorePrivate && isInternal(ev) {
			return nil, false
		}
		return e.notify(models.KindLoginSuccess, FormatNewLogin(ev)), true
	}
	return nil, false
}

// OnTransition returns a notification for a pool health change. Transitions
// are already deduplicated by the health table.
func (e *Engine) OnTransition(t models.Transition) (*models.Notification, bool) {
	if !e.opts.PoolHealth {
		return nil, false
	}
	return e.notify(models.KindHealthChange, FormatTransition(t)), true
}

func (e *Engine) notify(kind models.EventKind, text string) *models.Notification {
	if e.opts.Host != "" {
		text = fmt.Sprintf("[%s] %s", e.opts.Host, text)
	}
	metrics.NotificationsTotal.WithLabelValues(string(kind)).Inc()
	return models.NewNotification(kind, e.opts.Host, text)
}

func isInternal(ev models.LoginEvent) bool {
	a := ev.Address
	return a.IsPrivate() || a.IsLoopback() || a.IsLinkLocalUnicast()
}

// FormatNewLogin renders a successful login from a new address, followed by
// the auth log line it came from
func FormatNewLogin(ev models.LoginEvent) string {
	return withLine(fmt.Sprintf("%s logged in from a new address %s", ev.User, ev.Address), ev)
}

// FormatFailedLogin renders a failed login attempt, followed by the auth log
// line it came from
func FormatFailedLogin(ev models.LoginEvent) string {
	if ev.User == "" {
		return withLine(fmt.Sprintf("failed login from %s", ev.Address), ev)
	}
	return withLine(fmt.Sprintf("failed login for %s from %s", ev.User, ev.Address), ev)
}

func withLine(text string, ev models.LoginEvent) string {
	if ev.Line == "" {
		return text
	}
	return text + "\n" + ev.Line
}

// FormatTransition renders a pool health change
func FormatTransition(t models.Transition) string {
	return fmt.Sprintf("%s changed from %s to %s", t.Pool, t.OldLabel(), t.NewLabel())
}
