// Package events defines the execution lifecycle event vocabulary published
// on the event bus by the orchestrator.
package events

// Event types for executions.
const (
	ExecutionStarted  = "execution.started"
	ExecutionPrompted = "execution.prompted"
	ExecutionFailed   = "execution.failed"
)

// Event types for sandboxes.
const (
	SandboxResolved = "sandbox.resolved"
)

// Event types for wrapper jobs.
const (
	JobStarted     = "job.started"
	JobAborted     = "job.aborted"
	JobCompleted   = "job.completed"
	JobTerminalErr = "job.terminal_error"
)
