package v1

import (
	"encoding/json"
	"time"
)

// StreamEventType classifies envelopes sent over the outbound relay socket.
type StreamEventType string

const (
	StreamEventKilocode       StreamEventType = "kilocode"
	StreamEventStatus         StreamEventType = "status"
	StreamEventOutput         StreamEventType = "output"
	StreamEventError          StreamEventType = "error"
	StreamEventComplete       StreamEventType = "complete"
	StreamEventInterrupted    StreamEventType = "interrupted"
	StreamEventHeartbeat      StreamEventType = "heartbeat"
	StreamEventWrapperResumed StreamEventType = "wrapper_resumed"
)

// StreamEvent is the ingest event envelope. The kilocode variant wraps the
// upstream agent's native event in Data.
type StreamEvent struct {
	StreamEventType StreamEventType `json:"streamEventType"`
	Data            json.RawMessage `json:"data,omitempty"`
	Payload         any             `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// NewStreamEvent builds an envelope with the current timestamp.
func NewStreamEvent(eventType StreamEventType, data json.RawMessage) StreamEvent {
	return StreamEvent{
		StreamEventType: eventType,
		Data:            data,
		Timestamp:       time.Now().UTC(),
	}
}

// ResumedPayload is carried by the wrapper_resumed marker that precedes a
// buffered-event flush after a reconnect.
type ResumedPayload struct {
	BufferedEvents int  `json:"bufferedEvents"`
	EventsLost     bool `json:"eventsLost"`
}

// HeartbeatPayload is carried by periodic heartbeat envelopes so the ingest
// endpoint can detect a silently-dead wrapper.
type HeartbeatPayload struct {
	ExecutionID string `json:"executionId"`
}

// WrapperCommand is an inbound message on the ingest socket, dispatched to
// the wrapper's control loop. Unparseable messages are ignored.
type WrapperCommand struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
