package scenario

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-mockstate/clock"
	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/store"
)

type harness struct {
	registry *Registry
	store    *store.MemoryStore
	clock    *clock.Fake
	tracker  *Tracker
	executor *Executor
	events   *ChannelSink
}

func newHarness(t *testing.T, defs ...*Definition) *harness {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	h := &harness{
		registry: NewRegistry(),
		store:    store.NewMemoryStore(store.WithClock(fake)),
		clock:    fake,
		events:   NewChannelSink(64),
	}
	for _, def := range defs {
		if err := h.registry.Create(def); err != nil {
			t.Fatalf("create %s: %v", def.ResourceType, err)
		}
	}
	h.tracker = NewTracker(h.store, h.registry, WithTrackerClock(fake))
	h.executor = NewExecutor(h.tracker, WithSink(h.events), WithMetrics(NewMetrics(nil)))
	return h
}

func orderDefinition() *Definition {
	return &Definition{
		ResourceType: "order",
		States:       []string{"pending", "paid", "shipped", "delivered"},
		InitialState: "pending",
		Terminal:     []string{"delivered"},
		Transitions: []Transition{
			{ID: "pay", From: "pending", To: "paid", Guard: condition.MustParse(`payment.status == "captured"`)},
			{ID: "ship", From: "paid", To: "shipped", Guard: condition.MustParse(`exists(shipping.carrier)`)},
			{ID: "deliver", From: "shipped", To: "delivered", Guard: condition.MustParse(`tracking.delivered == true`)},
		},
	}
}

func body(v map[string]any) condition.Request {
	return condition.Request{Method: "POST", Path: "/orders/o-1", Body: v}
}

func (h *harness) execute(t *testing.T, rt, id string, req condition.Request) *Outcome {
	t.Helper()
	out, err := h.executor.Execute(context.Background(), rt, id, req)
	if err != nil {
		t.Fatalf("execute %s/%s: %v", rt, id, err)
	}
	return out
}

func (h *harness) state(t *testing.T, rt, id string) string {
	t.Helper()
	state, err := h.tracker.CurrentState(context.Background(), rt, id)
	if err != nil {
		t.Fatalf("current state %s/%s: %v", rt, id, err)
	}
	return state
}

func (h *harness) drain() []Event {
	var out []Event
	for {
		select {
		case ev := <-h.events.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}
