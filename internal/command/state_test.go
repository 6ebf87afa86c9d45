package command

import (
	"testing"
)

func TestSubmittedInitialState(t *testing.T) {
	st := Submitted("cmd-1", "computation", map[string]any{"op": "factorial"})

	if st.Status != StatusSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", st.Status)
	}
	if st.ID != "cmd-1" || st.Type != "computation" {
		t.Fatalf("unexpected identity: %q %q", st.ID, st.Type)
	}
	if st.CreatedAt.IsZero() {
		t.Fatal("createdAt not set")
	}
	if st.StartedAt != nil || st.CompletedAt != nil {
		t.Fatal("started/completed must be unset on submit")
	}
}

func TestStartedOnlyFromSubmitted(t *testing.T) {
	st := Submitted("cmd-1", "t", nil)

	running := st.Started()
	if running.Status != StatusRunning {
		t.Fatalf("expected RUNNING, got %s", running.Status)
	}
	if running.StartedAt == nil {
		t.Fatal("startedAt not set")
	}
	if running.CreatedAt.After(*running.StartedAt) {
		t.Fatal("createdAt must not be after startedAt")
	}

	// Re-application is the identity.
	again := running.Started()
	if again.Status != StatusRunning || again.StartedAt != running.StartedAt {
		t.Fatal("started() on RUNNING must be identity")
	}

	// Terminal states are unchanged too.
	done := running.Completed(42)
	if got := done.Started(); got.Status != StatusSucceeded {
		t.Fatalf("started() on terminal must be identity, got %s", got.Status)
	}
}

func TestCompletedInvariants(t *testing.T) {
	st := Submitted("cmd-1", "t", nil).Started().Completed(120)

	if st.Status != StatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", st.Status)
	}
	if st.Result == nil || st.Error != "" {
		t.Fatal("succeeded state must carry result and no error")
	}
	if st.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
	if st.StartedAt.After(*st.CompletedAt) {
		t.Fatal("startedAt must not be after completedAt")
	}
}

func TestFailedInvariants(t *testing.T) {
	st := Submitted("cmd-1", "t", nil).Started().Completed(120).Failed("boom")

	if st.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", st.Status)
	}
	if st.Error != "boom" {
		t.Fatalf("unexpected error %q", st.Error)
	}
	if st.Result != nil {
		t.Fatal("failed state must not carry a result")
	}
	if st.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
}

func TestCancelledInvariants(t *testing.T) {
	st := Submitted("cmd-1", "t", nil).Cancelled()

	if st.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", st.Status)
	}
	if st.CompletedAt == nil {
		t.Fatal("completedAt not set")
	}
}

func TestApplyResult(t *testing.T) {
	base := Submitted("cmd-1", "t", nil).Started()

	cases := []struct {
		name   string
		result Result
		status Status
	}{
		{"succeeded", Succeeded(7), StatusSucceeded},
		{"failed", Failed("nope"), StatusFailed},
		{"cancelled", Cancelled(), StatusCancelled},
		{"unexpected running", Running(), StatusFailed},
		{"unexpected submitted", Result{Status: StatusSubmitted}, StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := base.ApplyResult(tc.result)
			if got.Status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, got.Status)
			}
			if !got.Terminal() {
				t.Fatal("applyResult must always end terminal")
			}
		})
	}
}

func TestTerminalSet(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusSubmitted, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}
