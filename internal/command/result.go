package command

import "context"

// Result is the transient outcome a handler reports for one touchpoint.
// It is never persisted; the consume loop applies it as a transition.
type Result struct {
	Status Status
	Value  any
	Error  string
}

// Running reports that the command is still in progress.
func Running() Result {
	return Result{Status: StatusRunning}
}

// Succeeded reports terminal success with a result value.
func Succeeded(value any) Result {
	return Result{Status: StatusSucceeded, Value: value}
}

// Failed reports terminal failure with an error message.
func Failed(errMsg string) Result {
	return Result{Status: StatusFailed, Error: errMsg}
}

// Cancelled reports that the handler observed cancellation.
func Cancelled() Result {
	return Result{Status: StatusCancelled}
}

// Command is the typed unit of work passed to a handler. Params is the
// concrete type declared at registration.
type Command struct {
	ID     string
	Type   string
	Params any
}

// Handler executes commands of a single type.
//
// Execute runs the command. Implementations that cannot finish within
// the engine's execution budget fire the real work elsewhere, record an
// external identifier, and return Running; CheckStatus then answers
// each subsequent delivery. CheckStatus runs on the listener thread and
// must be fast and non-blocking.
type Handler interface {
	Type() string
	Execute(ctx context.Context, cmd Command) (Result, error)
	CheckStatus(ctx context.Context, cmd Command, state State) (Result, error)
}
