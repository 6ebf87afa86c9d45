// Package command contains the durable command state model, the handler
// contract, and the codec that round-trips polymorphic payloads.
package command

import (
	"time"
)

// Status is the lifecycle status of a command.
type Status string

// Lifecycle statuses. A command advances SUBMITTED -> RUNNING -> terminal;
// CANCELLED may be written from any non-terminal status.
const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// State is the durable record of a command. Values are immutable;
// transitions return a new State.
type State struct {
	ID          string
	Type        string
	Status      Status
	Params      any
	Result      any
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Submitted builds the initial state for a freshly submitted command.
func Submitted(id, cmdType string, params any) State {
	return State{
		ID:        id,
		Type:      cmdType,
		Status:    StatusSubmitted,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
}

// Started returns a RUNNING copy with StartedAt set. Applied to anything
// other than SUBMITTED it is the identity, which makes re-application
// during redelivery harmless.
func (s State) Started() State {
	if s.Status != StatusSubmitted {
		return s
	}
	now := time.Now().UTC()
	s.Status = StatusRunning
	s.StartedAt = &now
	return s
}

// Completed returns a SUCCEEDED copy carrying the result.
func (s State) Completed(result any) State {
	now := time.Now().UTC()
	s.Status = StatusSucceeded
	s.Result = result
	s.Error = ""
	s.CompletedAt = &now
	return s
}

// Failed returns a FAILED copy carrying the error message.
func (s State) Failed(errMsg string) State {
	now := time.Now().UTC()
	s.Status = StatusFailed
	s.Result = nil
	s.Error = errMsg
	s.CompletedAt = &now
	return s
}

// Cancelled returns a CANCELLED copy.
func (s State) Cancelled() State {
	now := time.Now().UTC()
	s.Status = StatusCancelled
	s.CompletedAt = &now
	return s
}

// ApplyResult maps a handler result onto the matching terminal
// transition. Any non-terminal result, RUNNING included, becomes a
// failure; the consume loop handles RUNNING before calling this.
func (s State) ApplyResult(r Result) State {
	switch r.Status {
	case StatusSucceeded:
		return s.Completed(r.Value)
	case StatusFailed:
		return s.Failed(r.Error)
	case StatusCancelled:
		return s.Cancelled()
	default:
		return s.Failed("unexpected result status " + string(r.Status))
	}
}

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	return s.Status.Terminal()
}
