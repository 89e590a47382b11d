package models

import "strings"

// HealthCode is the health state zpool reports for a pool
type HealthCode int

const (
	HealthUnknown HealthCode = iota
	HealthOnline
	HealthDegraded
	HealthFaulted
	HealthOffline
	HealthUnavailable
	HealthRemoved
	HealthAvailable
	HealthSuspended
)

var healthNames = map[HealthCode]string{
	HealthUnknown:     "Unknown",
	HealthOnline:      "Online",
	HealthDegraded:    "Degraded",
	HealthFaulted:     "Faulted",
	HealthOffline:     "Offline",
	HealthUnavailable: "Unavailable",
	HealthRemoved:     "Removed",
	HealthAvailable:   "Available",
	HealthSuspended:   "Suspended",
}

// String renders the code the way it appears in notifications
func (h HealthCode) String() string {
	if name, ok := healthNames[h]; ok {
		return name
	}
	return healthNames[HealthUnknown]
}

// ParseHealthCode maps the zpool HEALTH column to a code. Values zpool may add
// in the future map to HealthUnknown rather than failing the poll.
func ParseHealthCode(s string) HealthCode {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONLINE":
		return HealthOnline
	case "DEGRADED":
		return HealthDegraded
	case "FAULTED":
		return HealthFaulted
	case "OFFLINE":
		return HealthOffline
	case "UNAVAIL", "UNAVAILABLE":
		return HealthUnavailable
	case "REMOVED":
		return HealthRemoved
	case "AVAIL", "AVAILABLE":
		return HealthAvailable
	case "SUSPENDED":
		return HealthSuspended
	default:
		return HealthUnknown
	}
}

// HealthLabel renders a code for display. An unrecognised code shows the
// column text zpool printed.
func HealthLabel(h HealthCode, raw string) string {
	if h == HealthUnknown && raw != "" {
		return raw
	}
	return h.String()
}

// PoolHealthSnapshot is one pool row from a single poll
type PoolHealthSnapshot struct {
	Pool   string     `json:"pool"`
	Health HealthCode `json:"health"`

	// Raw is the HEALTH column as printed, kept only when Health is HealthUnknown
	Raw string `json:"raw,omitempty"`
}

// Label renders the snapshot's health
func (s PoolHealthSnapshot) Label() string { return HealthLabel(s.Health, s.Raw) }

// Transition is a change in a pool's health between two consecutive polls
type Transition struct {
	Pool   string     `json:"pool"`
	Old    HealthCode `json:"old"`
	New    HealthCode `json:"new"`
	OldRaw string     `json:"old_raw,omitempty"`
	NewRaw string     `json:"new_raw,omitempty"`
}

// OldLabel renders the health before the change
func (t Transition) OldLabel() string { return HealthLabel(t.Old, t.OldRaw) }

// NewLabel renders the health after the change
func (t Transition) NewLabel() string { return HealthLabel(t.New, t.NewRaw) }
