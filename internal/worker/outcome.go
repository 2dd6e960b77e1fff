package worker

import "time"

// Outcome is the result of one worker cycle.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeDisabled     Outcome = "disabled"
	OutcomeNotDue       Outcome = "not_due"
	OutcomeContended    Outcome = "contended"
	OutcomeCompleted    Outcome = "completed"
	OutcomeFailed       Outcome = "failed"
	OutcomeLeaseLost    Outcome = "lease_lost"
	OutcomeTTLExceeded  Outcome = "ttl_exceeded"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeStorageFault Outcome = "storage_fault"
	// OutcomeBusy means another cycle of the same Worker was still running.
	OutcomeBusy Outcome = "busy"
)

// Abandoned reports whether the worker gave up its lease mid-work.
func (o Outcome) Abandoned() bool {
	return o == OutcomeLeaseLost || o == OutcomeTTLExceeded
}

// Ran reports whether the work function was invoked.
func (o Outcome) Ran() bool {
	switch o {
	case OutcomeCompleted, OutcomeFailed, OutcomeLeaseLost, OutcomeTTLExceeded:
		return true
	}
	return false
}

// Cycle describes one call to DoWork.
type Cycle struct {
	Outcome    Outcome   `json:"outcome"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	// Extensions counts successful lease extensions while work ran.
	Extensions int `json:"extensions"`
	// NextAttempt is the earliest time another cycle is worth trying.
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
	Error       string    `json:"error,omitempty"`
}
