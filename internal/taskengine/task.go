// Package taskengine implements the canonical task state machine: creation,
// dependency-gated queueing, agent assignment via the scheduler, circuit-
// breaker-gated dispatch, retries with exponential backoff, cancellation
// (with cascade), and crash recovery of in-flight leases.
package taskengine

import (
	"time"
)

// Status is the closed set of task lifecycle states.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// allowedTransitions is the closed transition table for task status, an
// explicit Go map rather than scattered if-chains.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:   {StatusQueued: true, StatusCancelled: true},
	StatusQueued:    {StatusAssigned: true, StatusCancelled: true, StatusPending: true},
	StatusAssigned:  {StatusRunning: true, StatusPending: true, StatusQueued: true, StatusCancelled: true},
	StatusRunning:   {StatusCompleted: true, StatusFailed: true, StatusPending: true, StatusCancelled: true},
	StatusFailed:    {StatusPending: true},
	StatusCompleted: {},
	StatusCancelled: {},
}

func canTransition(from, to Status) bool {
	if from == to {
		return true
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TaskError describes the last failure recorded against a task.
type TaskError struct {
	Message     string
	Fingerprint string
	At          time.Time
}

// Task is the canonical record mutated only by the Task Engine.
type Task struct {
	ID          string
	Type        string
	Description string
	Priority    int
	Tags        map[string]struct{}
	Metadata    map[string]any

	Timeout              time.Duration
	MaxRetries           int
	RetryCount           int
	Dependencies         []string
	RequiredCapabilities []string

	Status        Status
	AssignedAgent string
	// PreferredAgent is consumed by the next Assign: set from Spec.AssignTo
	// at creation or from a retry's new-agent request, cleared once used.
	PreferredAgent string
	CreatedAt      time.Time
	StartedAt      time.Time
	EndedAt        time.Time
	LastError      *TaskError
	Progress       int

	LeaseExpiresAt  time.Time
	CancelRequested bool
}

// Spec is the input to Create.
type Spec struct {
	Type                 string
	Description          string
	Priority             int
	Tags                 []string
	Metadata             map[string]any
	Timeout              time.Duration
	MaxRetries           int
	Dependencies         []string
	RequiredCapabilities []string
	AssignTo             string // optional pre-assignment hint
}
