// Package events defines the session event vocabulary and builds the
// configured event bus. Engines publish normalized session events so
// out-of-process consumers (WebSocket fan-out, audit) can follow along.
package events

import "fmt"

// Event types for session lifecycle
const (
	SessionStarted     = "session.started"
	SessionEvent       = "session.event"
	SessionQuestion    = "session.question"
	SessionFinished    = "session.finished"
	SessionInterrupted = "session.interrupted"
)

// Event types for sandbox lifecycle
const (
	SandboxCreated   = "sandbox.created"
	SandboxDestroyed = "sandbox.destroyed"
)

// SessionSubject returns the bus subject carrying one session's events.
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.events", sessionID)
}

// AllSessionsSubject matches every session's event subject.
const AllSessionsSubject = "session.*.events"
