package core

import "time"

// SessionEventType names a session lifecycle transition.
type SessionEventType string

const (
	EventLogin          SessionEventType = "session.login"
	EventAccessRotated  SessionEventType = "session.access_rotated"
	EventRefreshRotated SessionEventType = "session.refresh_rotated"
	EventLogout         SessionEventType = "session.logout"
)

// SessionEvent is published after a session changes state.
type SessionEvent struct {
	Type       SessionEventType `json:"type"`
	UserID     string           `json:"userId"`
	SessionID  string           `json:"sessionId"`
	DeviceHash string           `json:"deviceHash"`
	At         time.Time        `json:"at"`
}
