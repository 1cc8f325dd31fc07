package settlement

import "fmt"

// Status is the settlement lifecycle state. Progression is forward
// only; the sole backward edge is pending_review to rejected.
type Status string

const (
	StatusReceived      Status = "received"
	StatusInitiated     Status = "initiated"
	StatusValidated     Status = "validated"
	StatusPendingReview Status = "pending_review"
	StatusLocking       Status = "locking"
	StatusLocked        Status = "locked"
	StatusCommitting    Status = "committing"
	StatusCommitted     Status = "committed"
	StatusSettled       Status = "settled"
	StatusRejected      Status = "rejected"
	StatusFailed        Status = "failed"
)

var validTransitions = map[Status][]Status{
	StatusReceived:      {StatusInitiated},
	StatusInitiated:     {StatusValidated, StatusRejected, StatusPendingReview},
	StatusPendingReview: {StatusValidated, StatusRejected},
	StatusValidated:     {StatusLocking},
	StatusLocking:       {StatusLocked, StatusFailed},
	StatusLocked:        {StatusCommitting, StatusFailed},
	StatusCommitting:    {StatusCommitted, StatusFailed},
	StatusCommitted:     {StatusSettled},
	// Terminal states have no outgoing edges.
	StatusSettled:  {},
	StatusRejected: {},
	StatusFailed:   {},
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusRejected || s == StatusFailed
}

// CanTransitionTo reports whether s -> next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) String() string { return string(s) }

// ErrInvalidTransition is returned when a transition violates the
// lifecycle graph.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid settlement transition %s -> %s", e.From, e.To)
}
