package scenario

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/store"
)

func TestOrderScenarioAdvancesOneStepPerMatchingRequest(t *testing.T) {
	h := newHarness(t, orderDefinition())
	captured := body(map[string]any{"payment": map[string]any{"status": "captured"}})

	if got := h.state(t, "order", "o-1"); got != "pending" {
		t.Fatalf("expected lazy instance in pending, got %s", got)
	}

	out := h.execute(t, "order", "o-1", captured)
	if out.OldState != "pending" || out.NewState != "paid" || out.Applied == nil || out.Applied.ID != "pay" {
		t.Fatalf("expected pending -> paid via pay, got %+v", out)
	}

	again := h.execute(t, "order", "o-1", captured)
	if again.Advanced() || again.NewState != "paid" {
		t.Fatalf("expected payment-only request to leave order in paid, got %+v", again)
	}

	empty := h.execute(t, "order", "o-1", body(map[string]any{}))
	if empty.Advanced() || h.state(t, "order", "o-1") != "paid" {
		t.Fatalf("expected request without fields to be a no-op")
	}

	h.execute(t, "order", "o-1", body(map[string]any{"shipping": map[string]any{"carrier": "ups"}}))
	if got := h.state(t, "order", "o-1"); got != "shipped" {
		t.Fatalf("expected shipped after shipping request, got %s", got)
	}

	h.execute(t, "order", "o-1", body(map[string]any{"tracking": map[string]any{"delivered": false}}))
	if got := h.state(t, "order", "o-1"); got != "shipped" {
		t.Fatalf("expected undelivered tracking to keep shipped, got %s", got)
	}

	h.execute(t, "order", "o-1", body(map[string]any{"tracking": map[string]any{"delivered": true}}))
	if got := h.state(t, "order", "o-1"); got != "delivered" {
		t.Fatalf("expected delivered, got %s", got)
	}

	inst, err := h.tracker.Load(context.Background(), "order", "o-1")
	if err != nil || inst == nil {
		t.Fatalf("load instance: %v", err)
	}
	var path []string
	for _, rec := range inst.History {
		path = append(path, rec.From+">"+rec.To)
		if rec.Kind != store.KindGuarded {
			t.Fatalf("expected guarded records, got %s", rec.Kind)
		}
	}
	want := []string{"pending>paid", "paid>shipped", "shipped>delivered"}
	if !reflect.DeepEqual(path, want) {
		t.Fatalf("unexpected history %v", path)
	}

	events := h.drain()
	if len(events) != 3 {
		t.Fatalf("expected one event per committed transition, got %d", len(events))
	}
	if events[0].Type != EventStateChanged || events[0].OldState != "pending" || events[0].NewState != "paid" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
}

func TestNoMatchIsNoopWithoutHistory(t *testing.T) {
	h := newHarness(t, orderDefinition())
	out := h.execute(t, "order", "o-2", body(map[string]any{"payment": map[string]any{"status": "declined"}}))
	if out.Advanced() || out.OldState != out.NewState {
		t.Fatalf("expected no-op outcome, got %+v", out)
	}
	inst, _ := h.tracker.Load(context.Background(), "order", "o-2")
	if inst == nil || len(inst.History) != 0 {
		t.Fatalf("expected instance without history, got %+v", inst)
	}
	if events := h.drain(); len(events) != 0 {
		t.Fatalf("expected no events for a no-op, got %v", events)
	}
}

func TestExecuteIsDeterministic(t *testing.T) {
	def := &Definition{
		ResourceType: "ticket",
		States:       []string{"open", "a", "b"},
		InitialState: "open",
		Transitions: []Transition{
			{ID: "to-a", From: "open", To: "a", Guard: condition.MustParse(`priority > 1`)},
			{ID: "to-b", From: "open", To: "b", Guard: condition.MustParse(`priority > 0`)},
		},
	}
	req := body(map[string]any{"priority": 5})
	var first *Outcome
	for i := 0; i < 5; i++ {
		h := newHarness(t, def)
		out := h.execute(t, "ticket", "t-1", req)
		if first == nil {
			first = out
			continue
		}
		if out.Applied.ID != first.Applied.ID || out.OldState != first.OldState || out.NewState != first.NewState {
			t.Fatalf("expected identical outcomes, got %+v vs %+v", out, first)
		}
	}
}

func TestPriorityTieBreak(t *testing.T) {
	def := &Definition{
		ResourceType: "job",
		States:       []string{"queued", "low", "high", "first"},
		InitialState: "queued",
		Transitions: []Transition{
			{ID: "low", From: "queued", To: "low", Priority: 10},
			{ID: "first", From: "queued", To: "first", Priority: 1},
			{ID: "high", From: "queued", To: "high", Priority: 1},
		},
	}
	h := newHarness(t, def)
	out := h.execute(t, "job", "j-1", body(nil))
	if out.Applied.ID != "first" {
		t.Fatalf("expected lowest priority with first declaration to win, got %s", out.Applied.ID)
	}
}

func TestGuardEvalErrorSkipsCandidate(t *testing.T) {
	def := &Definition{
		ResourceType: "doc",
		States:       []string{"draft", "broken", "review"},
		InitialState: "draft",
		Transitions: []Transition{
			{ID: "broken", From: "draft", To: "broken", Guard: &condition.Condition{Op: condition.OpRegex, Path: "title", Value: "^x"}, Priority: 0},
			{ID: "review", From: "draft", To: "review", Priority: 1},
		},
	}
	h := newHarness(t, def)
	out := h.execute(t, "doc", "d-1", body(map[string]any{"title": []any{"not", "a", "string"}}))
	if out.Applied == nil || out.Applied.ID != "review" {
		t.Fatalf("expected failing guard to be skipped, got %+v", out)
	}

	candidates, err := h.tracker.NextStates(context.Background(), "doc", "d-2", body(map[string]any{"title": []any{1}}))
	if err != nil {
		t.Fatalf("next states: %v", err)
	}
	if len(candidates) != 2 || candidates[0].Err == nil || candidates[0].Matches || !candidates[1].Matches {
		t.Fatalf("unexpected candidates %+v", candidates)
	}
}

func TestStaleStateIsRetriedAgainstNewState(t *testing.T) {
	def := &Definition{
		ResourceType: "light",
		States:       []string{"red", "green", "yellow"},
		InitialState: "red",
		Transitions: []Transition{
			{ID: "go", From: "red", To: "green"},
			{ID: "slow", From: "green", To: "yellow"},
			{ID: "stop", From: "yellow", To: "red"},
		},
	}
	h := newHarness(t, def)
	ctx := context.Background()
	raced := false
	h.executor.beforeCommit = func(ctx context.Context, key store.Key, tr Transition) {
		if raced {
			return
		}
		raced = true
		if _, err := h.tracker.ApplyTransition(ctx, key.ResourceType, key.ID, tr); err != nil {
			t.Fatalf("concurrent writer: %v", err)
		}
	}
	out, err := h.executor.Execute(ctx, "light", "l-1", body(nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Attempts != 2 || out.OldState != "green" || out.NewState != "yellow" {
		t.Fatalf("expected retry to re-select from green, got %+v", out)
	}
	inst, _ := h.tracker.Load(ctx, "light", "l-1")
	if len(inst.History) != 2 || inst.History[0].To != "green" || inst.History[1].From != "green" {
		t.Fatalf("expected no transition computed against stale state, got %+v", inst.History)
	}
}

func TestStaleStateSurfacesAsRetryable(t *testing.T) {
	def := &Definition{
		ResourceType: "light",
		States:       []string{"red", "green", "yellow"},
		InitialState: "red",
		Transitions: []Transition{
			{ID: "go", From: "red", To: "green"},
			{ID: "slow", From: "green", To: "yellow"},
			{ID: "stop", From: "yellow", To: "red"},
		},
	}
	h := newHarness(t, def)
	h.executor.beforeCommit = func(ctx context.Context, key store.Key, tr Transition) {
		if _, err := h.tracker.ApplyTransition(ctx, key.ResourceType, key.ID, tr); err != nil {
			t.Fatalf("concurrent writer: %v", err)
		}
	}
	_, err := h.executor.Execute(context.Background(), "light", "l-1", body(nil))
	if !IsStaleState(err) || !IsRetryable(err) {
		t.Fatalf("expected retryable stale state, got %v", err)
	}
	events := h.drain()
	if len(events) != 1 || events[0].Type != EventTransitionFailed || events[0].ErrorCode != ErrCodeStaleState {
		t.Fatalf("expected one failure event, got %+v", events)
	}
}

func TestConcurrentExecutionsAreLinearized(t *testing.T) {
	def := &Definition{
		ResourceType: "counter",
		States:       []string{"even", "odd"},
		InitialState: "even",
		Transitions: []Transition{
			{ID: "inc-even", From: "even", To: "odd"},
			{ID: "inc-odd", From: "odd", To: "even"},
		},
	}
	h := newHarness(t, def)
	ctx := context.Background()
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := h.executor.Execute(ctx, "counter", "c-1", body(nil))
				if err == nil {
					return
				}
				if !IsRetryable(err) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	inst, _ := h.tracker.Load(ctx, "counter", "c-1")
	if len(inst.History) != workers {
		t.Fatalf("expected %d records, got %d", workers, len(inst.History))
	}
	for i, rec := range inst.History {
		if rec.Seq != i+1 {
			t.Fatalf("expected contiguous sequence, got %d at %d", rec.Seq, i)
		}
		if i > 0 && inst.History[i-1].To != rec.From {
			t.Fatalf("history is not linear at %d: %+v", i, inst.History)
		}
	}
	if h.tracker.locks.size() != 0 {
		t.Fatalf("expected key locks to be released")
	}
}

func paymentWithCheckout() *Definition {
	return &Definition{
		ResourceType: "cart",
		States:       []string{"open", "checked_out", "abandoned"},
		InitialState: "open",
		Transitions: []Transition{
			{ID: "checkout", From: "open", SubScenario: "checkout", Guard: condition.MustParse(`action == "checkout"`)},
		},
		SubScenarios: map[string]*SubScenario{
			"checkout": {
				Definition: &Definition{
					States:       []string{"start", "authorized", "captured", "declined"},
					InitialState: "start",
					Transitions: []Transition{
						{ID: "authorize", From: "start", To: "authorized", Guard: condition.MustParse(`card != "bad"`),
							OnEnter: []Action{{Kind: ActionSet, Key: "auth", Value: "ok"}, {Kind: ActionSet, Key: "note", Value: "from-auth"}}},
						{ID: "decline", From: "start", To: "declined", Priority: 1},
						{ID: "capture", From: "authorized", To: "captured",
							OnEnter: []Action{{Kind: ActionCopy, Key: "total", From: "data.amount"}, {Kind: ActionSet, Key: "note", Value: "from-capture"}}},
					},
				},
				InputMapping:  []Mapping{{From: "cart_total", To: "amount"}},
				OutputMapping: []Mapping{{From: "auth", To: "result"}, {From: "total", To: "charged"}, {From: "note", To: "result"}},
				StateMapping:  map[string]string{"captured": "checked_out", "declined": "abandoned"},
			},
		},
	}
}

func TestSubScenarioRunsToTerminalAndMapsOutputs(t *testing.T) {
	h := newHarness(t, paymentWithCheckout())
	ctx := context.Background()
	key := store.NewKey("cart", "c-1")
	if _, err := h.tracker.GetOrCreate(ctx, key.ResourceType, key.ID); err != nil {
		t.Fatalf("create: %v", err)
	}
	seedData(t, h, key, map[string]any{"cart_total": 120.0})

	out := h.execute(t, "cart", "c-1", body(map[string]any{"action": "checkout", "card": "good"}))
	if out.NewState != "checked_out" {
		t.Fatalf("expected captured to map to checked_out, got %s", out.NewState)
	}
	trace := out.SubScenarioTrace
	if trace == nil || trace.FinalState != "captured" || len(trace.Steps) != 2 || trace.StepsUsed != 2 || trace.InstanceID == "" {
		t.Fatalf("unexpected trace %+v", trace)
	}
	data := out.Instance.StateData
	if data["charged"] != 120.0 {
		t.Fatalf("expected input mapping to flow through copy action, got %v", data["charged"])
	}
	// result is mapped twice, the later mapping wins.
	if data["result"] != "from-capture" {
		t.Fatalf("expected last-applied output mapping to win, got %v", data["result"])
	}
	if len(out.Instance.History) != 1 || out.Instance.History[0].SubScenarioTrace == nil {
		t.Fatalf("expected one parent record carrying the trace")
	}

	declined := h.execute(t, "cart", "c-2", body(map[string]any{"action": "checkout", "card": "bad"}))
	if declined.NewState != "abandoned" {
		t.Fatalf("expected declined to map to abandoned, got %s", declined.NewState)
	}
}

func seedData(t *testing.T, h *harness, key store.Key, data map[string]any) {
	t.Helper()
	err := h.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		inst, err := tx.LoadInstance(context.Background(), key)
		if err != nil {
			return err
		}
		inst.StateData = data
		_, err = tx.SaveInstanceIfVersion(context.Background(), inst, inst.Version)
		return err
	})
	if err != nil {
		t.Fatalf("seed data: %v", err)
	}
}

func TestCyclicSubScenarioIsHaltedAtBudget(t *testing.T) {
	def := &Definition{
		ResourceType: "loop",
		States:       []string{"idle", "done"},
		InitialState: "idle",
		Transitions: []Transition{
			{ID: "spin", From: "idle", SubScenario: "spinner", To: "done"},
		},
		SubScenarios: map[string]*SubScenario{
			"spinner": {
				StepBudget: 7,
				Definition: &Definition{
					States:       []string{"a", "b", "never"},
					InitialState: "a",
					Terminal:     []string{"never"},
					Transitions: []Transition{
						{From: "a", To: "b"},
						{From: "b", To: "a"},
					},
				},
			},
		},
	}
	h := newHarness(t, def)
	_, err := h.executor.Execute(context.Background(), "loop", "l-1", body(nil))
	if !IsBudgetExceeded(err) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if got := h.state(t, "loop", "l-1"); got != "idle" {
		t.Fatalf("expected parent to stay in idle, got %s", got)
	}
	inst, _ := h.tracker.Load(context.Background(), "loop", "l-1")
	if len(inst.History) != 0 {
		t.Fatalf("expected nothing committed")
	}
}

func TestNestedSubScenariosShareOneBudget(t *testing.T) {
	inner := &Definition{
		States:       []string{"i0", "i1", "i2", "i3"},
		InitialState: "i0",
		Transitions: []Transition{
			{From: "i0", To: "i1"},
			{From: "i1", To: "i2"},
			{From: "i2", To: "i3"},
		},
	}
	outer := &Definition{
		States:       []string{"o0", "o1"},
		InitialState: "o0",
		Transitions: []Transition{
			{From: "o0", To: "o1", SubScenario: "inner"},
		},
		SubScenarios: map[string]*SubScenario{"inner": {Definition: inner}},
	}
	def := &Definition{
		ResourceType: "nest",
		States:       []string{"start", "end"},
		InitialState: "start",
		Transitions:  []Transition{{ID: "go", From: "start", To: "end", SubScenario: "outer"}},
		SubScenarios: map[string]*SubScenario{"outer": {Definition: outer}},
	}

	h := newHarness(t, def)
	out := h.execute(t, "nest", "n-1", body(nil))
	if out.NewState != "end" {
		t.Fatalf("expected end, got %s", out.NewState)
	}
	step := out.SubScenarioTrace.Steps[0]
	if step.Nested == nil || step.Nested.FinalState != "i3" || len(step.Nested.Steps) != 3 {
		t.Fatalf("expected nested trace, got %+v", step)
	}

	// one delegation step plus three inner steps
	tight := newHarness(t, def)
	tight.executor = NewExecutor(tight.tracker, WithStepBudget(3))
	if _, err := tight.executor.Execute(context.Background(), "nest", "n-1", body(nil)); !IsBudgetExceeded(err) {
		t.Fatalf("expected shared budget to run out, got %v", err)
	}
	enough := newHarness(t, def)
	enough.executor = NewExecutor(enough.tracker, WithStepBudget(4))
	if _, err := enough.executor.Execute(context.Background(), "nest", "n-1", body(nil)); err != nil {
		t.Fatalf("expected budget of 4 to suffice: %v", err)
	}
}

func TestForceBypassesGuardsAndIsRecordedDistinctly(t *testing.T) {
	h := newHarness(t, orderDefinition())
	ctx := context.Background()

	out, err := h.executor.Force(ctx, "order", "o-1", "", body(nil))
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if out.NewState != "paid" || out.Kind != store.KindForced {
		t.Fatalf("expected forced pending -> paid, got %+v", out)
	}
	if _, err := h.executor.Force(ctx, "order", "o-1", "deliver", body(nil)); ErrorCode(err) != ErrCodeNoApplicableTransition {
		t.Fatalf("expected transition from another state to be rejected, got %v", err)
	}
	if _, err := h.executor.Force(ctx, "order", "o-1", "missing", body(nil)); !IsNotFound(err) {
		t.Fatalf("expected unknown transition to be not found, got %v", err)
	}
	if _, err := h.executor.Force(ctx, "order", "o-1", "ship", body(nil)); err != nil {
		t.Fatalf("force ship: %v", err)
	}
	h.execute(t, "order", "o-1", body(map[string]any{"tracking": map[string]any{"delivered": true}}))

	if _, err := h.executor.Force(ctx, "order", "o-1", "", body(nil)); ErrorCode(err) != ErrCodeNoApplicableTransition {
		t.Fatalf("expected terminal state to reject forcing, got %v", err)
	}

	inst, _ := h.tracker.Load(ctx, "order", "o-1")
	kinds := []store.TransitionKind{}
	for _, rec := range inst.History {
		kinds = append(kinds, rec.Kind)
	}
	want := []store.TransitionKind{store.KindForced, store.KindForced, store.KindGuarded}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("unexpected kinds %v", kinds)
	}
}

func TestUnknownResourceTypeIsNotFound(t *testing.T) {
	h := newHarness(t)
	if _, err := h.executor.Execute(context.Background(), "ghost", "g-1", body(nil)); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOnEnterActionsWriteEntityInSameCommit(t *testing.T) {
	def := orderDefinition()
	def.Transitions[0].OnEnter = []Action{
		{Kind: ActionCopy, Target: TargetEntity, Key: "paid_amount", From: "payment.amount"},
		{Kind: ActionSet, Target: TargetData, Key: "paid", Value: true},
	}
	h := newHarness(t, def)
	ctx := context.Background()
	if _, err := h.store.Put(ctx, &store.Entity{ResourceType: "order", ID: "o-1", Fields: map[string]any{"customer": "c-9"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	out := h.execute(t, "order", "o-1", body(map[string]any{"payment": map[string]any{"status": "captured", "amount": 42.0}}))
	if out.Instance.StateData["paid"] != true {
		t.Fatalf("expected state data action, got %v", out.Instance.StateData)
	}
	e, err := h.store.Get(ctx, store.NewKey("order", "o-1"))
	if err != nil || e == nil {
		t.Fatalf("get entity: %v", err)
	}
	if e.Fields["paid_amount"] != 42.0 || e.Fields["customer"] != "c-9" || e.Version != 2 {
		t.Fatalf("unexpected entity %+v", e)
	}
}

func TestTerminalInstanceStaysPut(t *testing.T) {
	def := orderDefinition()
	def.Transitions = append(def.Transitions, Transition{ID: "reopen", From: "delivered", To: "pending"})
	h := newHarness(t, def)
	ctx := context.Background()
	for _, id := range []string{"pay", "ship", "deliver"} {
		if _, err := h.executor.Force(ctx, "order", "o-1", id, body(nil)); err != nil {
			t.Fatalf("force %s: %v", id, err)
		}
	}
	h.drain()

	out := h.execute(t, "order", "o-1", body(map[string]any{}))
	if out.Advanced() || out.OldState != "delivered" || out.NewState != "delivered" {
		t.Fatalf("expected terminal instance to stay in delivered, got %+v", out)
	}
	if events := h.drain(); len(events) != 0 {
		t.Fatalf("expected no events for a terminal no-op, got %+v", events)
	}
	inst, err := h.tracker.Load(ctx, "order", "o-1")
	if err != nil || len(inst.History) != 3 {
		t.Fatalf("expected history untouched, got %v err=%v", inst, err)
	}

	if _, err := h.executor.Force(ctx, "order", "o-1", "reopen", body(nil)); ErrorCode(err) != ErrCodeNoApplicableTransition {
		t.Fatalf("expected forced transition out of a terminal state to fail, got %v", err)
	}
}

// racingStore lets another writer bump an instance between the first
// transaction's reads and its commit.
type racingStore struct {
	store.Store
	key   store.Key
	raced bool
}

func (r *racingStore) RunInTransaction(ctx context.Context, fn func(store.Tx) error) error {
	return r.Store.RunInTransaction(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if r.raced {
			return nil
		}
		return r.Store.RunInTransaction(ctx, func(other store.Tx) error {
			rec, err := other.LoadInstance(ctx, r.key)
			if err != nil || rec == nil {
				return err
			}
			r.raced = true
			rec.StateData = map[string]any{"touched": true}
			_, err = other.SaveInstanceIfVersion(ctx, rec, rec.Version)
			return err
		})
	})
}

func TestVersionConflictAtCommitIsRetried(t *testing.T) {
	h := newHarness(t, orderDefinition())
	racing := &racingStore{Store: h.store, key: store.NewKey("order", "o-1")}
	tracker := NewTracker(racing, h.registry, WithTrackerClock(h.clock))
	executor := NewExecutor(tracker, WithSink(h.events))

	out, err := executor.Execute(context.Background(), "order", "o-1", body(map[string]any{
		"payment": map[string]any{"status": "captured"},
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !racing.raced {
		t.Fatalf("expected a concurrent commit to be injected")
	}
	if out.Attempts != 2 || out.NewState != "paid" {
		t.Fatalf("expected the conflicting commit to be retried, got %+v", out)
	}
	inst, _ := tracker.Load(context.Background(), "order", "o-1")
	if len(inst.History) != 1 || inst.StateData["touched"] != true {
		t.Fatalf("expected one transition on top of the concurrent write, got %+v", inst)
	}
}

func TestOtherResourceCommitsWhileTransactionOpen(t *testing.T) {
	h := newHarness(t, orderDefinition())
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- h.store.RunInTransaction(ctx, func(tx store.Tx) error {
			if _, err := tx.Put(ctx, &store.Entity{ResourceType: "order", ID: "o-1"}); err != nil {
				return err
			}
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	done := make(chan *Outcome, 1)
	failed := make(chan error, 1)
	go func() {
		out, err := h.executor.Execute(ctx, "order", "o-2", body(map[string]any{
			"payment": map[string]any{"status": "captured"},
		}))
		if err != nil {
			failed <- err
			return
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.NewState != "paid" {
			t.Fatalf("expected o-2 to reach paid, got %+v", out)
		}
	case err := <-failed:
		close(release)
		t.Fatalf("execute o-2: %v", err)
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatalf("o-2 waited for the open transaction on o-1")
	}
	close(release)
	if err := <-held; err != nil {
		t.Fatalf("held transaction: %v", err)
	}
}
