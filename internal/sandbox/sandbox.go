// Package sandbox defines the accessor contract for the isolated compute
// environment a session's workspace and agent processes run in, plus a
// Docker-backed implementation.
package sandbox

import "context"

// ExecResult holds the outcome of a command run inside the sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ProcessOptions configures a long-running process started in the sandbox.
type ProcessOptions struct {
	Env map[string]string
	Cwd string
}

// Sandbox is the minimal surface the orchestrator needs from the isolation
// runtime: run a command, write a file, start a long-running process.
type Sandbox interface {
	// ID returns the sandbox identifier.
	ID() string

	// Exec runs a command to completion and returns its output.
	Exec(ctx context.Context, cmd []string) (*ExecResult, error)

	// WriteFile writes content to a path inside the sandbox.
	WriteFile(ctx context.Context, path string, content []byte) error

	// StartProcess starts a detached long-running process.
	StartProcess(ctx context.Context, cmd []string, opts ProcessOptions) error
}

// Resolver turns a sandbox ID into a live handle.
type Resolver interface {
	Resolve(ctx context.Context, sandboxID string) (Sandbox, error)
}
