// Package kilo provides the client for the kilo server (agent backend)
// protocol: a REST API plus a Server-Sent Events stream of session events.
package kilo

import (
	"encoding/json"
)

// Event types from the /event SSE stream.
const (
	EventMessageUpdated     = "message.updated"
	EventMessagePartUpdated = "message.part.updated"
	EventMessageRemoved     = "message.removed"
	EventPermissionAsked    = "permission.asked"
	EventPermissionReplied  = "permission.replied"
	EventQuestionAsked      = "question.asked"
	EventSessionIdle        = "session.idle"
	EventSessionStatus      = "session.status"
	EventSessionError       = "session.error"
	EventServerHeartbeat    = "server.heartbeat"
	EventTodoUpdated        = "todo.updated"
)

// Permission reply values.
const (
	PermissionReplyAlways = "always"
	PermissionReplyOnce   = "once"
	PermissionReplyReject = "reject"
)

// HealthResponse from GET /global/health.
type HealthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// SessionResponse from POST /session and GET /session/{id}.
type SessionResponse struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// CreateSessionRequest for POST /session.
type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

// ModelSpec for prompt requests.
type ModelSpec struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PartInput is one part of a prompt (text or image).
type PartInput struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// PromptRequest for POST /session/{id}/message.
type PromptRequest struct {
	MessageID string      `json:"messageID,omitempty"`
	Model     *ModelSpec  `json:"model,omitempty"`
	Agent     string      `json:"agent,omitempty"`
	System    string      `json:"system,omitempty"`
	Tools     []string    `json:"tools,omitempty"`
	Parts     []PartInput `json:"parts"`
}

// CommandRequest for POST /session/{id}/command.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// PermissionReplyRequest for POST /permission/{id}/reply.
type PermissionReplyRequest struct {
	Reply   string `json:"reply"`
	Message string `json:"message,omitempty"`
}

// QuestionReplyRequest for POST /question/{id}/reply.
type QuestionReplyRequest struct {
	Answers []string `json:"answers,omitempty"`
	Reject  bool     `json:"reject,omitempty"`
}

// EventEnvelope is the base structure for all SSE events.
type EventEnvelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// MessageUpdatedProperties for message.updated events.
type MessageUpdatedProperties struct {
	Info MessageInfo `json:"info"`
}

// MessageInfo contains message metadata.
type MessageInfo struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	Role      string       `json:"role"` // "user", "assistant"
	Time      *MessageTime `json:"time,omitempty"`
}

// MessageTime carries message timing; Completed is set (epoch millis) once
// the assistant turn has finished.
type MessageTime struct {
	Created   float64  `json:"created,omitempty"`
	Completed *float64 `json:"completed,omitempty"`
}

// SessionIdleProperties for session.idle events.
type SessionIdleProperties struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorProperties for session.error events.
type SessionErrorProperties struct {
	SessionID string     `json:"sessionID"`
	Error     *KiloError `json:"error,omitempty"`
}

// KiloError is the error payload carried by session.error events.
type KiloError struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Message extracts the human-readable message from the error data, if any.
func (e *KiloError) Message() string {
	if e == nil || len(e.Data) == 0 {
		return ""
	}
	var data struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}
	return data.Message
}

// ParseEvent parses an SSE event envelope from JSON.
func ParseEvent(data []byte) (*EventEnvelope, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseMessageUpdated parses message.updated properties.
func ParseMessageUpdated(data json.RawMessage) (*MessageUpdatedProperties, error) {
	var props MessageUpdatedProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionIdle parses session.idle properties.
func ParseSessionIdle(data json.RawMessage) (*SessionIdleProperties, error) {
	var props SessionIdleProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// ParseSessionError parses session.error properties.
func ParseSessionError(data json.RawMessage) (*SessionErrorProperties, error) {
	var props SessionErrorProperties
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, err
	}
	return &props, nil
}
