package repository

import "time"

// Status is the declared lifecycle state of a sandbox record.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCreating    Status = "creating"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusFailed      Status = "failed"
	StatusTerminating Status = "terminating"
)

// validTransitions is the sandbox status state machine. Stopped and failed
// are re-entrant: a later ensure-running attempt moves them back to creating.
// Terminating is the only terminal state.
var validTransitions = map[Status][]Status{
	StatusPending:  {StatusCreating, StatusFailed, StatusTerminating},
	StatusCreating: {StatusRunning, StatusFailed, StatusTerminating},
	StatusRunning:  {StatusStopped, StatusTerminating},
	StatusStopped:  {StatusCreating, StatusTerminating},
	StatusFailed:   {StatusCreating, StatusTerminating},
}

// CanTransition reports whether moving from one status to another is legal.
// A self-transition is always allowed (idempotent updates).
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusTerminating
}

// SandboxRecord is the durable row describing one user's sandbox.
// Exactly one non-deleted record exists per user at any time
// (user_id carries a unique index).
type SandboxRecord struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	ContainerID   *string    `json:"container_id,omitempty"`
	Status        Status     `json:"status"`
	Image         string     `json:"image"`
	Runtime       *string    `json:"runtime,omitempty"`
	CPULimit      *float64   `json:"cpu_limit,omitempty"`
	MemoryLimitMB *int64     `json:"memory_limit,omitempty"`
	IdleTimeout   int        `json:"idle_timeout"` // seconds
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
