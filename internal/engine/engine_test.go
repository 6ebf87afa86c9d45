package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ibs-source/command/engine/golang/internal/command"
	"github.com/ibs-source/command/engine/golang/internal/config"
	"github.com/ibs-source/command/engine/golang/internal/logger"
	"github.com/ibs-source/command/engine/golang/internal/notify"
	"github.com/ibs-source/command/engine/golang/internal/queue"
	"github.com/ibs-source/command/engine/golang/internal/store"
	"github.com/ibs-source/command/engine/golang/internal/stream"
)

// ---------- Fixtures ----------

type testParams struct {
	Op    string `json:"op"`
	Value int64  `json:"value"`
}

type testResult struct {
	Value int64 `json:"value"`
}

type testHandler struct {
	typ     string
	execute func(ctx context.Context, cmd command.Command) (command.Result, error)
	check   func(ctx context.Context, cmd command.Command, st command.State) (command.Result, error)
}

func (h *testHandler) Type() string { return h.typ }

func (h *testHandler) Execute(ctx context.Context, cmd command.Command) (command.Result, error) {
	return h.execute(ctx, cmd)
}

func (h *testHandler) CheckStatus(ctx context.Context, cmd command.Command, st command.State) (command.Result, error) {
	if h.check == nil {
		return command.Running(), nil
	}
	return h.check(ctx, cmd, st)
}

type harness struct {
	engine *Engine
	queue  *queue.Queue
	cfg    *config.EngineConfig
}

func newHarness(t *testing.T, mutate func(*config.EngineConfig)) *harness {
	t.Helper()

	cfg := &config.EngineConfig{
		QueueName:          "commands-test",
		ConsumerGroup:      "command-engine",
		StatePrefix:        "cmd-state/v1",
		PollInterval:       5 * time.Millisecond,
		ExecuteTimeout:     200 * time.Millisecond,
		StateTTL:           time.Minute,
		ClaimTimeout:       30 * time.Millisecond,
		ConsumeWarnTimeout: 4 * time.Second,
		MinWorkers:         2,
		MaxWorkers:         4,
	}
	if mutate != nil {
		mutate(cfg)
	}

	streamClient := stream.NewMemoryClient(cfg.ClaimTimeout)
	stateStore := store.NewMemoryStore(cfg.StateTTL)
	q := queue.New(cfg.QueueName, streamClient, logger.Nop(), cfg.PollInterval)
	e := New(cfg, stateStore, q, notify.Noop{}, logger.Nop())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})

	return &harness{engine: e, queue: q, cfg: cfg}
}

func waitForStatus(t *testing.T, e *Engine, id string, want command.Status, within time.Duration) command.State {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		st, err := e.GetState(context.Background(), id)
		if err != nil {
			t.Fatalf("getState: %v", err)
		}
		if st != nil && st.Status == want {
			return *st
		}
		if time.Now().After(deadline) {
			got := "<nil>"
			if st != nil {
				got = string(st.Status)
			}
			t.Fatalf("command %s never reached %s (last %s)", id, want, got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForDrained(t *testing.T, q *queue.Queue, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		n, err := q.Length(context.Background())
		if err != nil {
			t.Fatalf("length: %v", err)
		}
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue never drained, %d entries left", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------- Scenarios ----------

func TestFastSuccess(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{
		typ: "computation",
		execute: func(_ context.Context, cmd command.Command) (command.Result, error) {
			params := cmd.Params.(testParams)
			if params.Op != "factorial" {
				return command.Failed("unknown op"), nil
			}
			out := int64(1)
			for i := int64(2); i <= params.Value; i++ {
				out *= i
			}
			return command.Succeeded(testResult{Value: out}), nil
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "computation", testParams{Op: "factorial", Value: 5})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := waitForStatus(t, h.engine, id, command.StatusSucceeded, 2*time.Second)
	if st.Error != "" {
		t.Fatalf("succeeded state carries error %q", st.Error)
	}
	if st.CompletedAt == nil || st.CreatedAt.After(*st.CompletedAt) {
		t.Fatal("timestamp invariant violated")
	}

	res, ok, err := ResultAs[testResult](context.Background(), h.engine, id)
	if err != nil || !ok {
		t.Fatalf("resultAs: ok=%v err=%v", ok, err)
	}
	if res.Value != 120 {
		t.Fatalf("expected 120, got %d", res.Value)
	}

	waitForDrained(t, h.queue, 2*time.Second)
}

func TestSlowAsyncViaCheckStatus(t *testing.T) {
	h := newHarness(t, nil)

	var mu sync.Mutex
	startedAt := map[string]time.Time{}

	handler := &testHandler{
		typ: "slow-job",
		execute: func(_ context.Context, cmd command.Command) (command.Result, error) {
			mu.Lock()
			startedAt[cmd.ID] = time.Now()
			mu.Unlock()
			return command.Running(), nil
		},
		check: func(_ context.Context, cmd command.Command, _ command.State) (command.Result, error) {
			mu.Lock()
			began := startedAt[cmd.ID]
			mu.Unlock()
			if time.Since(began) < 150*time.Millisecond {
				return command.Running(), nil
			}
			return command.Succeeded(testResult{Value: 1}), nil
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "slow-job", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	running := waitForStatus(t, h.engine, id, command.StatusRunning, time.Second)
	if running.StartedAt == nil {
		t.Fatal("RUNNING state must carry startedAt")
	}

	st := waitForStatus(t, h.engine, id, command.StatusSucceeded, 5*time.Second)
	if st.StartedAt == nil || st.CompletedAt == nil || st.StartedAt.After(*st.CompletedAt) {
		t.Fatal("timestamp invariant violated")
	}
	waitForDrained(t, h.queue, 2*time.Second)
}

func TestExecuteTimeoutPromotesToRunning(t *testing.T) {
	h := newHarness(t, func(cfg *config.EngineConfig) {
		cfg.ExecuteTimeout = 40 * time.Millisecond
	})

	release := make(chan struct{})
	handler := &testHandler{
		typ: "long-exec",
		execute: func(ctx context.Context, _ command.Command) (command.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return command.Succeeded(testResult{Value: 9}), nil
		},
		check: func(_ context.Context, _ command.Command, _ command.State) (command.Result, error) {
			select {
			case <-release:
				return command.Succeeded(testResult{Value: 9}), nil
			default:
				return command.Running(), nil
			}
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "long-exec", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForStatus(t, h.engine, id, command.StatusRunning, 2*time.Second)
	if got := h.engine.Metrics().CommandsPromoted.Load(); got == 0 {
		t.Fatal("promotion must be counted")
	}

	close(release)
	waitForStatus(t, h.engine, id, command.StatusSucceeded, 5*time.Second)
	waitForDrained(t, h.queue, 2*time.Second)
}

func TestFailure(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{
		typ: "division",
		execute: func(_ context.Context, _ command.Command) (command.Result, error) {
			return command.Failed("Division by zero"), nil
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "division", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := waitForStatus(t, h.engine, id, command.StatusFailed, 2*time.Second)
	if st.Error != "Division by zero" {
		t.Fatalf("unexpected error %q", st.Error)
	}
	if st.Result != nil {
		t.Fatal("failed state must not carry a result")
	}

	res, err := h.engine.GetResult(context.Background(), id)
	if err != nil || res != nil {
		t.Fatalf("getResult on failed command must be nil: %v %v", res, err)
	}
}

func TestHandlerErrorBecomesTerminalFailure(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{
		typ: "crasher",
		execute: func(_ context.Context, _ command.Command) (command.Result, error) {
			return command.Result{}, errors.New("connection refused by backend")
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "crasher", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := waitForStatus(t, h.engine, id, command.StatusFailed, 2*time.Second)
	if !strings.Contains(st.Error, "connection refused") {
		t.Fatalf("unexpected error %q", st.Error)
	}
	waitForDrained(t, h.queue, 2*time.Second)
}

func TestHandlerPanicBecomesTerminalFailure(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{
		typ: "panicker",
		execute: func(_ context.Context, _ command.Command) (command.Result, error) {
			panic("boom")
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "panicker", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := waitForStatus(t, h.engine, id, command.StatusFailed, 2*time.Second)
	if !strings.Contains(st.Error, "panic") {
		t.Fatalf("unexpected error %q", st.Error)
	}
}

func TestUnknownTypeFails(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "unknown-type", testParams{Op: "noop"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := waitForStatus(t, h.engine, id, command.StatusFailed, 2*time.Second)
	if !strings.Contains(st.Error, "no handler") {
		t.Fatalf("expected 'no handler' error, got %q", st.Error)
	}
	waitForDrained(t, h.queue, 2*time.Second)
}

func TestCancelBeforePickup(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{
		typ: "cancellable",
		execute: func(_ context.Context, _ command.Command) (command.Result, error) {
			return command.Succeeded(testResult{Value: 1}), nil
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Submit before the consume loop exists; cancel wins the race by
	// construction.
	id, err := h.engine.Submit(context.Background(), "cancellable", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := h.engine.Cancel(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	// Cancel on a terminal command returns false without a write.
	ok, err = h.engine.Cancel(context.Background(), id)
	if err != nil || ok {
		t.Fatalf("second cancel must return false: ok=%v err=%v", ok, err)
	}

	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDrained(t, h.queue, 2*time.Second)

	// The delivery observed the terminal state and dropped the entry.
	st, err := h.engine.GetState(context.Background(), id)
	if err != nil || st == nil || st.Status != command.StatusCancelled {
		t.Fatalf("cancelled state must be stable, got %v %v", st, err)
	}
}

func TestCancelUnknownCommand(t *testing.T) {
	h := newHarness(t, nil)
	ok, err := h.engine.Cancel(context.Background(), "no-such-command")
	if err != nil || ok {
		t.Fatalf("cancel of unknown command must return false: %v %v", ok, err)
	}
}

func TestTerminalStateIsStable(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{
		typ: "once",
		execute: func(_ context.Context, _ command.Command) (command.Result, error) {
			return command.Succeeded(testResult{Value: 7}), nil
		},
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	id, err := h.engine.Submit(context.Background(), "once", testParams{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first := waitForStatus(t, h.engine, id, command.StatusSucceeded, 2*time.Second)

	for i := 0; i < 5; i++ {
		st, err := h.engine.GetState(context.Background(), id)
		if err != nil || st == nil {
			t.Fatalf("getState: %v %v", st, err)
		}
		if st.Status != first.Status {
			t.Fatalf("terminal status changed: %s -> %s", first.Status, st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStateMissingMessageIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// An orphan message whose state was never written, as after a TTL
	// expiry.
	msg := command.Msg{CommandID: "expired-command", Type: "t", SubmittedAt: time.Now().UTC()}
	if err := h.queue.Submit(context.Background(), msg); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForDrained(t, h.queue, 2*time.Second)
	if got := h.engine.Metrics().StateMissing.Load(); got != 1 {
		t.Fatalf("expected 1 discarded orphan, got %d", got)
	}
}

func TestRegisterHandlerValidation(t *testing.T) {
	h := newHarness(t, nil)

	handler := &testHandler{typ: "dup", execute: func(context.Context, command.Command) (command.Result, error) {
		return command.Succeeded(nil), nil
	}}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.engine.RegisterHandler(handler, testParams{}, testResult{}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}

	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	late := &testHandler{typ: "late", execute: handler.execute}
	if err := h.engine.RegisterHandler(late, testParams{}, testResult{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
}
