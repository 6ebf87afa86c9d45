// Package handlers contains the built-in command handlers compiled into
// the worker daemon.
package handlers

import (
	"context"
	"fmt"

	"github.com/ibs-source/command/engine/golang/internal/command"
)

// ComputationParams are the inputs of the "computation" command type.
type ComputationParams struct {
	Op      string `json:"op"`
	Value   int64  `json:"value"`
	Divisor int64  `json:"divisor,omitempty"`
}

// ComputationResult is the output of a computation command.
type ComputationResult struct {
	Value int64 `json:"value"`
}

// Computation executes small arithmetic commands synchronously. The
// operations are pure, so CheckStatus can simply recompute after a
// promotion.
type Computation struct{}

// Type returns the command type this handler serves.
func (Computation) Type() string {
	return "computation"
}

// Execute runs the computation.
func (h Computation) Execute(_ context.Context, cmd command.Command) (command.Result, error) {
	params, ok := cmd.Params.(ComputationParams)
	if !ok {
		return command.Result{}, fmt.Errorf("unexpected params type %T", cmd.Params)
	}

	switch params.Op {
	case "factorial":
		if params.Value < 0 {
			return command.Failed(fmt.Sprintf("factorial of negative number %d", params.Value)), nil
		}
		if params.Value > 20 {
			return command.Failed(fmt.Sprintf("factorial of %d overflows int64", params.Value)), nil
		}
		out := int64(1)
		for i := int64(2); i <= params.Value; i++ {
			out *= i
		}
		return command.Succeeded(ComputationResult{Value: out}), nil

	case "fibonacci":
		if params.Value < 0 {
			return command.Failed(fmt.Sprintf("fibonacci of negative number %d", params.Value)), nil
		}
		a, b := int64(0), int64(1)
		for i := int64(0); i < params.Value; i++ {
			a, b = b, a+b
		}
		return command.Succeeded(ComputationResult{Value: a}), nil

	case "divide":
		if params.Divisor == 0 {
			return command.Failed("Division by zero"), nil
		}
		return command.Succeeded(ComputationResult{Value: params.Value / params.Divisor}), nil

	default:
		return command.Failed(fmt.Sprintf("unknown operation %q", params.Op)), nil
	}
}

// CheckStatus recomputes; the operations are pure and cheap.
func (h Computation) CheckStatus(ctx context.Context, cmd command.Command, _ command.State) (command.Result, error) {
	return h.Execute(ctx, cmd)
}
