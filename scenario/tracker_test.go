package scenario

import (
	"context"
	"errors"
	"testing"

	"github.com/goliatone/go-mockstate/store"
)

func TestNextStatesPreviewsWithoutWriting(t *testing.T) {
	h := newHarness(t, orderDefinition())
	ctx := context.Background()
	candidates, err := h.tracker.NextStates(ctx, "order", "o-1", body(map[string]any{"payment": map[string]any{"status": "captured"}}))
	if err != nil {
		t.Fatalf("next states: %v", err)
	}
	if len(candidates) != 1 || !candidates[0].Matches || candidates[0].Transition.To != "paid" {
		t.Fatalf("unexpected candidates %+v", candidates)
	}
	inst, err := h.tracker.Load(ctx, "order", "o-1")
	if err != nil || inst != nil {
		t.Fatalf("expected preview to leave no instance, got %+v err=%v", inst, err)
	}
	if _, err := h.tracker.NextStates(ctx, "ghost", "g", body(nil)); !IsNotFound(err) {
		t.Fatalf("expected not found for unknown type, got %v", err)
	}
}

func TestApplyTransitionRevalidatesFromState(t *testing.T) {
	h := newHarness(t, orderDefinition())
	ctx := context.Background()
	def, _ := h.registry.Get("order")
	ship, _ := def.Transition("ship")
	if _, err := h.tracker.ApplyTransition(ctx, "order", "o-1", ship); !IsStaleState(err) {
		t.Fatalf("expected stale state for a transition computed against another state, got %v", err)
	}
	if IsRetryable(mustErr(h.tracker.ApplyTransition(ctx, "order", "o-1", ship))) {
		t.Fatalf("tracker-level stale errors are not marked retryable")
	}

	pay, _ := def.Transition("pay")
	inst, err := h.tracker.ApplyTransition(ctx, "order", "o-1", pay, WithFingerprint("fp-1"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if inst.CurrentState != "paid" || len(inst.History) != 1 || inst.History[0].Fingerprint != "fp-1" || inst.History[0].Seq != 1 {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if !inst.History[0].Timestamp.Equal(h.clock.Now()) {
		t.Fatalf("expected history timestamp from the injected clock")
	}
}

func mustErr(_ *store.InstanceRecord, err error) error { return err }

func TestApplyTransitionRejectsTerminalState(t *testing.T) {
	def := orderDefinition()
	def.Transitions = append(def.Transitions, Transition{ID: "reopen", From: "delivered", To: "pending"})
	h := newHarness(t, def)
	ctx := context.Background()
	for _, id := range []string{"pay", "ship", "deliver"} {
		if _, err := h.executor.Force(ctx, "order", "o-1", id, body(nil)); err != nil {
			t.Fatalf("force %s: %v", id, err)
		}
	}
	stored, _ := h.registry.Get("order")
	reopen, _ := stored.Transition("reopen")
	if _, err := h.tracker.ApplyTransition(ctx, "order", "o-1", reopen); ErrorCode(err) != ErrCodeNoApplicableTransition {
		t.Fatalf("expected explicit terminal state to reject transitions, got %v", err)
	}

	existed, err := h.tracker.Reset(ctx, "order", "o-1")
	if err != nil || !existed {
		t.Fatalf("reset: existed=%v err=%v", existed, err)
	}
	if got := h.state(t, "order", "o-1"); got != "pending" {
		t.Fatalf("expected reset instance to restart in pending, got %s", got)
	}
	if existed, _ := h.tracker.Reset(ctx, "order", "missing"); existed {
		t.Fatalf("expected reset of a missing instance to report false")
	}
}

type failingPutStore struct {
	store.Store
}

func (s failingPutStore) RunInTransaction(ctx context.Context, fn func(store.Tx) error) error {
	return s.Store.RunInTransaction(ctx, func(tx store.Tx) error {
		return fn(failingPutTx{Tx: tx})
	})
}

type failingPutTx struct {
	store.Tx
}

func (failingPutTx) Put(context.Context, *store.Entity) (*store.Entity, error) {
	return nil, errors.New("disk full")
}

func TestApplyTransitionIsAtomic(t *testing.T) {
	def := orderDefinition()
	def.Transitions[0].OnEnter = []Action{{Kind: ActionSet, Target: TargetEntity, Key: "status", Value: "paid"}}
	h := newHarness(t, def)
	ctx := context.Background()
	tracker := NewTracker(failingPutStore{Store: h.store}, h.registry, WithTrackerClock(h.clock))
	executor := NewExecutor(tracker)

	_, err := executor.Execute(ctx, "order", "o-1", body(map[string]any{"payment": map[string]any{"status": "captured"}}))
	if err == nil {
		t.Fatalf("expected entity write failure to fail the execution")
	}
	inst, _ := h.tracker.Load(ctx, "order", "o-1")
	if inst == nil || inst.CurrentState != "pending" || len(inst.History) != 0 {
		t.Fatalf("expected nothing committed, got %+v", inst)
	}
}

func TestTrackerListAndResetAll(t *testing.T) {
	h := newHarness(t, orderDefinition())
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		if _, err := h.tracker.GetOrCreate(ctx, "order", id); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	list, err := h.tracker.List(ctx, "order")
	if err != nil || len(list) != 3 || list[0].ResourceID != "a" {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
	n, err := h.tracker.ResetAll(ctx, "order")
	if err != nil || n != 3 {
		t.Fatalf("reset all: n=%d err=%v", n, err)
	}
	if list, _ := h.tracker.List(ctx, "order"); len(list) != 0 {
		t.Fatalf("expected no instances left")
	}
}
