package wrapper

import (
	v1 "github.com/kilodev/cloudagent/pkg/api/v1"
)

// NotificationKind tags messages from the event pipeline to the worker's
// control loop.
type NotificationKind int

const (
	// NoteCompletion fires once per session.idle (and per finished assistant
	// turn); waiters use it to observe that work finished.
	NoteCompletion NotificationKind = iota
	// NoteTerminalError means the upstream session hit a fatal error; the
	// worker should begin shutdown.
	NoteTerminalError
	// NoteCommand is an inbound command received on the ingest socket.
	NoteCommand
	// NoteDisconnected means the ingest socket closed unexpectedly.
	NoteDisconnected
)

// Notification is the single tagged message type flowing from the consumer
// and relay to the control loop. One channel replaces a fan of callbacks.
type Notification struct {
	Kind    NotificationKind
	Reason  string             // NoteTerminalError, NoteDisconnected
	Command *v1.WrapperCommand // NoteCommand
	Cleared int                // NoteCompletion: inflight entries cleared
}
