package v1

// Request and response bodies for the wrapper job-control HTTP API.

// StartJobRequest for POST /job/start.
type StartJobRequest struct {
	ExecutionID      string `json:"executionId"`
	IngestURL        string `json:"ingestUrl"`
	IngestToken      string `json:"ingestToken"`
	SessionID        string `json:"sessionId"`
	UserID           string `json:"userId"`
	KilocodeToken    string `json:"kilocodeToken"`
	KiloSessionID    string `json:"kiloSessionId,omitempty"`
	KiloSessionTitle string `json:"kiloSessionTitle,omitempty"`
}

// StartJobResponse for POST /job/start.
type StartJobResponse struct {
	Status        string `json:"status"` // "started"
	KiloSessionID string `json:"kiloSessionId"`
}

// PromptRequest for POST /job/prompt. Either Prompt or Parts is required.
type PromptRequest struct {
	Prompt    string       `json:"prompt,omitempty"`
	Parts     []PromptPart `json:"parts,omitempty"`
	Model     string       `json:"model,omitempty"`
	Agent     string       `json:"agent,omitempty"` // normalized mode
	MessageID string       `json:"messageId,omitempty"`
	System    string       `json:"system,omitempty"`
	Tools     []string     `json:"tools,omitempty"`
}

// PromptPart is a single part of a multi-part prompt.
type PromptPart struct {
	Type      string `json:"type"` // text, image
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Data      string `json:"data,omitempty"`
}

// PromptResponse for POST /job/prompt.
type PromptResponse struct {
	Status    string `json:"status"` // "sent"
	MessageID string `json:"messageId"`
}

// CommandRequest for POST /job/command.
type CommandRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// CommandResponse for POST /job/command.
type CommandResponse struct {
	Status string `json:"status"` // "sent"
	Result any    `json:"result"`
}

// AnswerPermissionRequest for POST /job/answer-permission.
type AnswerPermissionRequest struct {
	PermissionID string `json:"permissionId"`
	Response     string `json:"response"` // always, once, reject
}

// AnswerQuestionRequest for POST /job/answer-question.
type AnswerQuestionRequest struct {
	QuestionID string   `json:"questionId"`
	Answers    []string `json:"answers"`
}

// RejectQuestionRequest for POST /job/reject-question.
type RejectQuestionRequest struct {
	QuestionID string `json:"questionId"`
}

// AnswerResponse for the permission/question endpoints.
type AnswerResponse struct {
	Status  string `json:"status"` // "answered" or "rejected"
	Success bool   `json:"success"`
}

// AbortResponse for POST /job/abort.
type AbortResponse struct {
	Status string `json:"status"` // "aborted"
}

// HealthResponse for GET /health.
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	State         string `json:"state"` // "active" or "idle"
	InflightCount int    `json:"inflightCount"`
	Version       string `json:"version"`
}

// JobStatusResponse for GET /job/status.
type JobStatusResponse struct {
	ExecutionID   string `json:"executionId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	KiloSessionID string `json:"kiloSessionId,omitempty"`
	State         string `json:"state"`
	InflightCount int    `json:"inflightCount"`
	Connected     bool   `json:"connected"`
	LastActivity  string `json:"lastActivity,omitempty"`
}

// ErrorResponse is the JSON error body returned by the wrapper API.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries the error code and message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
