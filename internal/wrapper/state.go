// Package wrapper implements the per-session worker: the job-control HTTP
// surface, the upstream event consumer and the ingest relay client.
package wrapper

import (
	"sync"
	"time"
)

// JobContext is the single live job held by a worker process.
type JobContext struct {
	ExecutionID   string
	SessionID     string
	UserID        string
	KiloSessionID string // underlying agent session id, distinct from SessionID
	IngestURL     string
	IngestToken   string // always equals ExecutionID
	KilocodeToken string
	StartedAt     time.Time
}

// StartOutcome classifies an attempt to install a new job.
type StartOutcome int

const (
	// StartNew means no job was present; the caller should create the session.
	StartNew StartOutcome = iota
	// StartIdempotent means the same executionId is already the current job.
	StartIdempotent
	// StartConflict means a different executionId is active.
	StartConflict
)

// State is the worker's job state: current job, inflight prompt tracking,
// activity timestamps and the aborted flag. All mutation is serialized
// behind one mutex; the relay and consumer read through it, never around it.
type State struct {
	mu sync.Mutex

	job      *JobContext
	inflight map[string]time.Time // messageID -> deadline
	active   bool
	aborted  bool

	lastActivity time.Time
}

// NewState creates an empty worker state.
func NewState() *State {
	return &State{
		inflight:     make(map[string]time.Time),
		lastActivity: time.Now(),
	}
}

// BeginStart checks the admission rules for a start request. It does not
// install the job; the caller completes the start with CommitJob once the
// underlying agent session exists.
func (s *State) BeginStart(executionID string) (StartOutcome, *JobContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job == nil {
		return StartNew, nil
	}
	if s.job.ExecutionID == executionID {
		j := *s.job
		return StartIdempotent, &j
	}
	if s.active {
		j := *s.job
		return StartConflict, &j
	}
	return StartNew, nil
}

// CommitJob installs the job context, replacing any idle previous job, and
// resets the inflight set and the aborted flag. The job starts idle; the
// first prompt dispatch flips it active.
func (s *State) CommitJob(job *JobContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.job = job
	s.inflight = make(map[string]time.Time)
	s.aborted = false
	s.active = false
	s.lastActivity = time.Now()
}

// Job returns a copy of the current job context, or nil when no job is live.
func (s *State) Job() *JobContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.job == nil {
		return nil
	}
	j := *s.job
	return &j
}

// RecordActivity resets the idle timer.
func (s *State) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last recorded activity time.
func (s *State) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RegisterInflight records a dispatched prompt with its deadline. The
// deadline is recorded for external watchdogs; nothing here enforces it.
// A new dispatch lifts the abort suppression: the flag only covers late
// events from the turn that was aborted.
func (s *State) RegisterInflight(messageID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[messageID] = deadline
	s.active = true
	s.aborted = false
	s.lastActivity = time.Now()
}

// RemoveInflight drops a single entry; used only when the dispatch itself
// failed. Completion never removes entries one by one.
func (s *State) RemoveInflight(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, messageID)
}

// ClearInflight bulk-clears the inflight set and returns how many entries
// were dropped. Called on session.idle and on abort.
func (s *State) ClearInflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.inflight)
	s.inflight = make(map[string]time.Time)
	return n
}

// InflightCount returns the number of tracked prompts.
func (s *State) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// SetIdle marks the job idle. New prompts flip it back to active.
func (s *State) SetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// IsActive reports whether the current job is in the active phase.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job != nil && s.active
}

// MarkAborted sets the aborted flag. It is set before any upstream abort
// call is issued so that late completion events cannot trigger
// post-completion bookkeeping.
func (s *State) MarkAborted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.active = false
}

// Aborted reports whether the current job was aborted.
func (s *State) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// StateLabel returns "active" or "idle" for status surfaces.
func (s *State) StateLabel() string {
	if s.IsActive() {
		return "active"
	}
	return "idle"
}
