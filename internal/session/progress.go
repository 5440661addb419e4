// Package session owns the lifecycle of one monitoring session: it
// wires source, detector, sink, and dispatch together, accumulates
// prior context across live windows, and exposes a progress stream.
package session

import (
	"time"

	"vigil/internal/policy"
)

// Progress event kinds. A session's stream ends with exactly one of
// the terminal kinds: complete or error for files; stopped,
// source_unreachable, or error for live sessions.
const (
	EventWindowStarted     = "window_started"
	EventKeyframe          = "keyframe"
	EventDispatching       = "dispatching"
	EventReport            = "report"
	EventComplete          = "complete"
	EventStopped           = "stopped"
	EventSourceUnreachable = "source_unreachable"
	EventError             = "error"
)

// ProgressEvent is one entry on a session's progress stream.
type ProgressEvent struct {
	SessionID   string         `json:"session_id"`
	Kind        string         `json:"kind"`
	WindowIndex int            `json:"window_index,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Message     string         `json:"message,omitempty"`
	Report      *policy.Report `json:"report,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e ProgressEvent) Terminal() bool {
	switch e.Kind {
	case EventComplete, EventStopped, EventSourceUnreachable, EventError:
		return true
	}
	return false
}
