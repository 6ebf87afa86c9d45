package notify

import (
	"context"

	"github.com/ibs-source/command/engine/golang/internal/command"
)

// Noop is the notifier used when lifecycle events are disabled.
type Noop struct{}

// CommandCompleted discards the event.
func (Noop) CommandCompleted(_ context.Context, _ command.State) error {
	return nil
}

// Close does nothing.
func (Noop) Close() {}
