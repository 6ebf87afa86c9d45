// Package engine implements the durable command service: handler
// registry, submit/query/cancel API, and the consume loop that drives
// every command to a terminal state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ibs-source/command/engine/golang/internal/command"
	"github.com/ibs-source/command/engine/golang/internal/config"
	"github.com/ibs-source/command/engine/golang/internal/ports"
	"github.com/ibs-source/command/engine/golang/internal/queue"
)

// Sentinel errors.
var (
	ErrAlreadyRegistered = errors.New("handler type already registered")
	ErrAlreadyStarted    = errors.New("engine already started")
)

// registration binds a command type to its handler and declared
// params/result types.
type registration struct {
	paramsType reflect.Type
	resultType reflect.Type
	handler    command.Handler
}

// Engine is the command service. All cross-replica coordination goes
// through the state store and the stream; the engine holds no
// distributed locks.
//
// Two replicas may race to complete the same command; both write the
// same logical outcome in the benign case, and when they disagree the
// later store write wins (last-write-wins). Cancel never interrupts an
// in-flight handler: the next consume touchpoint observes the terminal
// state and drops the stream entry.
type Engine struct {
	cfg      *config.EngineConfig
	store    ports.StateStore
	queue    *queue.Queue
	notifier ports.Notifier
	logger   ports.Logger
	metrics  *Metrics
	codec    *command.Codec

	regMu    sync.RWMutex
	registry map[string]registration

	executor *executor
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	startMu  sync.Mutex
}

// New creates an engine over the given store and queue.
func New(
	cfg *config.EngineConfig,
	store ports.StateStore,
	q *queue.Queue,
	notifier ports.Notifier,
	logger ports.Logger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		store:    store,
		queue:    q,
		notifier: notifier,
		logger:   logger.WithFields(ports.Field{Key: "component", Value: "command-engine"}),
		metrics:  NewMetrics(),
		codec:    command.NewCodec(),
		registry: make(map[string]registration),
		executor: newExecutor(ctx, cfg.MinWorkers, cfg.MaxWorkers),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler records a handler with prototypes of its params and
// result types. Registration must precede Start; overwriting an
// existing type is an error. Each replica re-registers its handlers on
// startup, which also populates the codec's type registry.
func (e *Engine) RegisterHandler(h command.Handler, paramsProto, resultProto any) error {
	e.startMu.Lock()
	startedNow := e.started
	e.startMu.Unlock()
	if startedNow {
		return fmt.Errorf("register handler %q: %w", h.Type(), ErrAlreadyStarted)
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()
	if _, exists := e.registry[h.Type()]; exists {
		return fmt.Errorf("register handler %q: %w", h.Type(), ErrAlreadyRegistered)
	}

	reg := registration{handler: h}
	if paramsProto != nil {
		e.codec.Register(paramsProto)
		reg.paramsType = concreteTypeOf(paramsProto)
	}
	if resultProto != nil {
		e.codec.Register(resultProto)
		reg.resultType = concreteTypeOf(resultProto)
	}
	e.registry[h.Type()] = reg

	e.logger.Info("registered command handler", ports.Field{Key: "type", Value: h.Type()})
	return nil
}

// Start registers the consume loop as the queue consumer. Idempotent.
func (e *Engine) Start() error {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return nil
	}

	e.executor.start()
	if err := e.queue.AddConsumer(e.processCommand); err != nil {
		return fmt.Errorf("start command engine: %w", err)
	}
	e.started = true
	e.logger.Info("command engine started")
	return nil
}

// Stop closes the queue and shuts the executor down.
func (e *Engine) Stop(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	err := e.queue.Close()
	e.cancel()
	if !e.executor.stopWithTimeout(ctx) {
		e.logger.Warn("timed out waiting for executor to stop")
	}
	e.started = false
	e.logger.Info("command engine stopped")
	return err
}

// Metrics returns the engine counters.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Submit persists the initial state and enqueues the wake-up message,
// in that order: a consumer must never pick up a message whose state
// does not exist yet. Returns the new command id.
func (e *Engine) Submit(ctx context.Context, cmdType string, params any) (string, error) {
	id := uuid.New().String()
	st := command.Submitted(id, cmdType, params)

	if err := e.writeState(ctx, st); err != nil {
		return "", fmt.Errorf("submit command of type %q: %w", cmdType, err)
	}
	msg := command.Msg{CommandID: id, Type: cmdType, SubmittedAt: time.Now().UTC()}
	if err := e.queue.Submit(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueue command %s: %w", id, err)
	}

	e.metrics.CommandsSubmitted.Add(1)
	e.logger.Debug("command submitted",
		ports.Field{Key: "commandID", Value: id},
		ports.Field{Key: "type", Value: cmdType})
	return id, nil
}

// GetState loads the current state, or nil when unknown or expired.
func (e *Engine) GetState(ctx context.Context, commandID string) (*command.State, error) {
	raw, err := e.store.Get(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	st, err := e.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// GetResult returns the result value, or nil unless the command
// succeeded. When the type is registered, the stored result is checked
// against the handler's declared result type.
func (e *Engine) GetResult(ctx context.Context, commandID string) (any, error) {
	st, err := e.GetState(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.Status != command.StatusSucceeded {
		return nil, nil
	}
	if reg, ok := e.registration(st.Type); ok && reg.resultType != nil && st.Result != nil {
		if got := concreteTypeOf(st.Result); got != reg.resultType {
			return nil, fmt.Errorf("result of command %s has type %s, want %s", commandID, got, reg.resultType)
		}
	}
	return st.Result, nil
}

// ResultAs loads a succeeded command's result as T. The second return
// is false when the command is unknown, not terminal, not succeeded, or
// the result is not a T.
func ResultAs[T any](ctx context.Context, e *Engine, commandID string) (T, bool, error) {
	var zero T
	res, err := e.GetResult(ctx, commandID)
	if err != nil {
		return zero, false, err
	}
	if res == nil {
		return zero, false, nil
	}
	typed, ok := res.(T)
	if !ok {
		return zero, false, nil
	}
	return typed, true, nil
}

// Cancel writes a terminal CANCELLED state. Returns false when the
// command is unknown or already terminal. The in-flight handler, if
// any, is not interrupted; the consume loop observes the terminal
// state on its next delivery and drops the stream entry.
func (e *Engine) Cancel(ctx context.Context, commandID string) (bool, error) {
	st, err := e.GetState(ctx, commandID)
	if err != nil {
		return false, err
	}
	if st == nil || st.Terminal() {
		return false, nil
	}

	cancelled := st.Cancelled()
	if err := e.writeState(ctx, cancelled); err != nil {
		return false, err
	}
	e.metrics.CommandsCancelled.Add(1)
	e.notifyCompleted(cancelled)
	e.logger.Info("command cancelled", ports.Field{Key: "commandID", Value: commandID})
	return true, nil
}

// processCommand is the consume loop body. Returning true acknowledges
// the stream entry; returning false leaves it for redelivery via the
// claim timeout.
func (e *Engine) processCommand(msg command.Msg) bool {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > e.cfg.ConsumeWarnTimeout {
			e.logger.Warn("slow command consume",
				ports.Field{Key: "commandID", Value: msg.CommandID},
				ports.Field{Key: "elapsed", Value: elapsed})
		}
	}()

	// 1. Load. A missing state is an orphan message left behind by a
	// TTL expiry; acknowledge and move on.
	raw, err := e.store.Get(e.ctx, msg.CommandID)
	if err != nil {
		e.metrics.StoreErrors.Add(1)
		e.logger.Error("failed to load command state",
			ports.Field{Key: "commandID", Value: msg.CommandID},
			ports.Field{Key: "error", Value: err})
		return false
	}
	if raw == nil {
		e.metrics.StateMissing.Add(1)
		e.logger.Warn("command state missing; discarding message",
			ports.Field{Key: "commandID", Value: msg.CommandID})
		return true
	}
	st, err := e.codec.Decode(raw)
	if err != nil {
		e.logger.Error("dropping command with undecodable state",
			ports.Field{Key: "commandID", Value: msg.CommandID},
			ports.Field{Key: "error", Value: err})
		return true
	}

	// 2. Terminal short-circuit: another replica already finished this
	// command; the redelivered entry is just noise.
	if st.Terminal() {
		return true
	}

	// 3. Resolve the handler.
	reg, ok := e.registration(st.Type)
	if !ok {
		return e.failCommand(st, fmt.Sprintf("no handler for type %q", st.Type))
	}

	// 4. Reconstruct the typed command. A mismatch means producer and
	// consumer disagree on the schema; retrying cannot fix that.
	cmd, castErr := buildCommand(st, reg)
	if castErr != nil {
		return e.failCommand(st, castErr.Error())
	}

	// 5/6. Drive the handler and interpret its result.
	var res command.Result
	if st.Status == command.StatusRunning {
		res, err = reg.handler.CheckStatus(e.ctx, cmd, st)
		if err != nil {
			return e.failCommand(st, err.Error())
		}
	} else {
		outcome := e.executeWithTimeout(reg, cmd)
		switch {
		case outcome.retry:
			return false
		case outcome.timedOut:
			// Promotion: the background execution continues but its
			// result is now irrelevant; from here on the RUNNING branch
			// polls CheckStatus.
			e.metrics.CommandsPromoted.Add(1)
			e.logger.Debug("execution exceeded budget; promoted to polling",
				ports.Field{Key: "commandID", Value: st.ID})
			if err := e.writeState(e.ctx, st.Started()); err != nil {
				return false
			}
			return false
		case outcome.err != nil:
			return e.failCommand(st, outcome.err.Error())
		default:
			res = outcome.result
		}
	}

	if res.Status == command.StatusRunning {
		if st.Status != command.StatusRunning {
			if err := e.writeState(e.ctx, st.Started()); err != nil {
				return false
			}
		}
		// Redelivery is driven by the stream's claim timeout, never by
		// tight polling here.
		return false
	}

	final := st.ApplyResult(res)
	if err := e.writeState(e.ctx, final); err != nil {
		return false
	}
	e.recordCompletion(final, start)
	return true
}

// execOutcome is the result of one bounded execution attempt.
type execOutcome struct {
	result   command.Result
	err      error
	timedOut bool
	retry    bool
}

// executeWithTimeout runs Execute on the executor with the synchronous
// budget. On timeout the work keeps running but the outcome is
// discarded.
func (e *Engine) executeWithTimeout(reg registration, cmd command.Command) execOutcome {
	ch := make(chan execOutcome, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- execOutcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := reg.handler.Execute(e.ctx, cmd)
		ch <- execOutcome{result: res, err: err}
	}

	if err := e.executor.submit(task); err != nil {
		// Pool saturated or stopping; leave the entry pending and let
		// redelivery try again.
		e.logger.Warn("executor rejected command; will retry",
			ports.Field{Key: "commandID", Value: cmd.ID},
			ports.Field{Key: "error", Value: err})
		return execOutcome{retry: true}
	}

	timer := time.NewTimer(e.cfg.ExecuteTimeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out
	case <-timer.C:
		return execOutcome{timedOut: true}
	case <-e.ctx.Done():
		return execOutcome{retry: true}
	}
}

// failCommand writes a terminal FAILED state and acknowledges the entry
// unless the write itself failed.
func (e *Engine) failCommand(st command.State, reason string) bool {
	final := st.Failed(reason)
	if err := e.writeState(e.ctx, final); err != nil {
		return false
	}
	e.logger.Warn("command failed",
		ports.Field{Key: "commandID", Value: st.ID},
		ports.Field{Key: "type", Value: st.Type},
		ports.Field{Key: "reason", Value: reason})
	e.metrics.CommandsFailed.Add(1)
	e.notifyCompleted(final)
	return true
}

func (e *Engine) recordCompletion(final command.State, start time.Time) {
	switch final.Status {
	case command.StatusSucceeded:
		e.metrics.CommandsSucceeded.Add(1)
	case command.StatusFailed:
		e.metrics.CommandsFailed.Add(1)
	case command.StatusCancelled:
		e.metrics.CommandsCancelled.Add(1)
	}
	if ns := time.Since(start).Nanoseconds(); ns > 0 {
		e.metrics.ProcessingTimeNs.Add(uint64(ns))
	}
	e.notifyCompleted(final)
	e.logger.Info("command completed",
		ports.Field{Key: "commandID", Value: final.ID},
		ports.Field{Key: "status", Value: string(final.Status)})
}

// writeState encodes and persists a state with the configured TTL.
func (e *Engine) writeState(ctx context.Context, st command.State) error {
	blob, err := e.codec.Encode(st)
	if err != nil {
		return err
	}
	if err := e.store.Put(ctx, st.ID, blob, e.cfg.StateTTL); err != nil {
		e.metrics.StoreErrors.Add(1)
		e.logger.Error("failed to persist command state",
			ports.Field{Key: "commandID", Value: st.ID},
			ports.Field{Key: "error", Value: err})
		return err
	}
	return nil
}

// notifyCompleted publishes a lifecycle event; failures are logged,
// counted, and otherwise ignored.
func (e *Engine) notifyCompleted(st command.State) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.CommandCompleted(e.ctx, st); err != nil {
		e.metrics.NotifyErrors.Add(1)
		e.logger.Warn("failed to publish lifecycle event",
			ports.Field{Key: "commandID", Value: st.ID},
			ports.Field{Key: "error", Value: err})
	}
}

func (e *Engine) registration(cmdType string) (registration, bool) {
	e.regMu.RLock()
	defer e.regMu.RUnlock()
	reg, ok := e.registry[cmdType]
	return reg, ok
}

// buildCommand reconstructs the typed command from stored state,
// cross-checking the params against the handler's declared type.
func buildCommand(st command.State, reg registration) (command.Command, error) {
	if st.Params != nil && reg.paramsType != nil {
		if got := concreteTypeOf(st.Params); got != reg.paramsType {
			return command.Command{}, fmt.Errorf(
				"params of command %s decoded as %s, handler expects %s", st.ID, got, reg.paramsType)
		}
	}
	return command.Command{ID: st.ID, Type: st.Type, Params: st.Params}, nil
}

func concreteTypeOf(v any) reflect.Type {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}
