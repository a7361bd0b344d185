package kilo

import "encoding/json"

// EventKind is the closed classification of upstream events. Classification
// happens once, where the raw event is first parsed; downstream code switches
// on the kind instead of re-inspecting type strings.
type EventKind int

const (
	// KindContent is any substantive event relayed downstream as-is.
	KindContent EventKind = iota
	// KindHeartbeat is a liveness tick; counts as activity, never relayed.
	KindHeartbeat
	// KindAssistantTurnDone is an assistant message.updated with a defined
	// time.completed: one assistant turn finished.
	KindAssistantTurnDone
	// KindSessionIdle is the authoritative all-work-finished signal.
	KindSessionIdle
	// KindTerminalError is a session error fatal to the job.
	KindTerminalError
)

// Event is a classified upstream event.
type Event struct {
	Kind      EventKind
	SessionID string // session the event belongs to, when the payload carries one
	Reason    string // populated for KindTerminalError
	Raw       json.RawMessage
}

// nonTerminalErrors lists session.error names that do not end the job.
// An aborted message is the normal result of a user-driven abort.
var nonTerminalErrors = map[string]bool{
	"MessageAbortedError": true,
}

// Classify maps a raw SSE envelope to a classified Event. This is the single
// classification point for the event pipeline: heartbeat filtering, completion
// detection and terminal-error detection all key off the result.
func Classify(raw []byte) (*Event, error) {
	env, err := ParseEvent(raw)
	if err != nil {
		return nil, err
	}

	ev := &Event{Kind: KindContent, Raw: raw}

	switch env.Type {
	case EventServerHeartbeat:
		ev.Kind = KindHeartbeat

	case EventSessionIdle:
		props, err := ParseSessionIdle(env.Properties)
		if err == nil {
			ev.SessionID = props.SessionID
		}
		ev.Kind = KindSessionIdle

	case EventSessionError:
		props, err := ParseSessionError(env.Properties)
		if err != nil || props.Error == nil {
			// A session.error without a parseable payload is still fatal;
			// there is no way to resume a session in an unknown error state.
			ev.Kind = KindTerminalError
			ev.Reason = "unknown session error"
			return ev, nil
		}
		ev.SessionID = props.SessionID
		if nonTerminalErrors[props.Error.Name] {
			return ev, nil
		}
		ev.Kind = KindTerminalError
		ev.Reason = props.Error.Name
		if msg := props.Error.Message(); msg != "" {
			ev.Reason += ": " + msg
		}

	case EventMessageUpdated:
		props, err := ParseMessageUpdated(env.Properties)
		if err != nil {
			return ev, nil
		}
		ev.SessionID = props.Info.SessionID
		if props.Info.Role == "assistant" && props.Info.Time != nil && props.Info.Time.Completed != nil {
			ev.Kind = KindAssistantTurnDone
		}

	default:
		// Other event types carry a top-level sessionID when session-scoped.
		var props struct {
			SessionID string `json:"sessionID"`
		}
		if len(env.Properties) > 0 {
			if err := json.Unmarshal(env.Properties, &props); err == nil {
				ev.SessionID = props.SessionID
			}
		}
	}

	return ev, nil
}
