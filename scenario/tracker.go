package scenario

import (
	"context"
	"strings"

	"github.com/goliatone/go-mockstate/clock"
	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/logging"
	"github.com/goliatone/go-mockstate/store"
)

// Candidate is one transition leaving the current state and whether its guard holds.
type Candidate struct {
	Transition Transition `json:"transition"`
	Matches    bool       `json:"matches"`
	Err        error      `json:"-"`
}

// Tracker maps resources to their state instances. It is the only writer of
// instances and commits every transition in one store transaction.
type Tracker struct {
	store     store.Store
	registry  *Registry
	clock     clock.Clock
	eval      *condition.Evaluator
	locks     *keyLocker
	logger    logging.Logger
	injectNow bool
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerClock sets the clock used for guard contexts.
func WithTrackerClock(c clock.Clock) TrackerOption {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithEvaluator sets the guard evaluator.
func WithEvaluator(e *condition.Evaluator) TrackerOption {
	return func(t *Tracker) {
		if e != nil {
			t.eval = e
		}
	}
}

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(logger logging.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithNowInGuards exposes the clock to guards as `now`.
func WithNowInGuards(enabled bool) TrackerOption {
	return func(t *Tracker) {
		t.injectNow = enabled
	}
}

// NewTracker builds a tracker over st and registry.
func NewTracker(st store.Store, registry *Registry, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:    st,
		registry: registry,
		clock:    clock.System{},
		eval:     condition.NewEvaluator(),
		locks:    newKeyLocker(),
		logger:   logging.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Store returns the backing entity store.
func (t *Tracker) Store() store.Store { return t.store }

func (t *Tracker) definition(resourceType string) (*Definition, error) {
	if t.registry == nil {
		return nil, notFound("state machine", resourceType, "")
	}
	return t.registry.Lookup(resourceType)
}

// Load returns the stored instance or nil without creating it.
func (t *Tracker) Load(ctx context.Context, resourceType, resourceID string) (*store.InstanceRecord, error) {
	return t.store.LoadInstance(ctx, store.NewKey(resourceType, resourceID))
}

// GetOrCreate returns the instance of a resource, creating it in the
// initial state on first reference.
func (t *Tracker) GetOrCreate(ctx context.Context, resourceType, resourceID string) (*store.InstanceRecord, error) {
	def, err := t.definition(resourceType)
	if err != nil {
		return nil, err
	}
	return t.getOrCreate(ctx, def, store.NewKey(resourceType, resourceID))
}

func (t *Tracker) getOrCreate(ctx context.Context, def *Definition, key store.Key) (*store.InstanceRecord, error) {
	if !key.Valid() {
		return nil, notFound("state instance", key.ResourceType, key.ID)
	}
	inst, err := t.store.LoadInstance(ctx, key)
	if err != nil || inst != nil {
		return inst, err
	}

	unlock := t.locks.Lock(key)
	defer unlock()
	err = t.store.RunInTransaction(ctx, func(tx store.Tx) error {
		current, err := tx.LoadInstance(ctx, key)
		if err != nil || current != nil {
			inst = current
			return err
		}
		_, err = tx.SaveInstanceIfVersion(ctx, newInstance(def, key), 0)
		return err
	})
	if store.IsVersionConflict(err) {
		// created concurrently
		return t.store.LoadInstance(ctx, key)
	}
	if err != nil {
		return nil, err
	}
	if inst != nil {
		return inst, nil
	}
	t.logger.Debug("created %s instance in state %s", key, def.InitialState)
	return t.store.LoadInstance(ctx, key)
}

func newInstance(def *Definition, key store.Key) *store.InstanceRecord {
	return &store.InstanceRecord{
		ResourceType: key.ResourceType,
		ResourceID:   key.ID,
		CurrentState: def.InitialState,
		StateData:    map[string]any{},
	}
}

// CurrentState returns the current state of a resource.
func (t *Tracker) CurrentState(ctx context.Context, resourceType, resourceID string) (string, error) {
	inst, err := t.GetOrCreate(ctx, resourceType, resourceID)
	if err != nil {
		return "", err
	}
	return inst.CurrentState, nil
}

// NextStates previews the transitions leaving the current state. Nothing is
// written, not even a missing instance.
func (t *Tracker) NextStates(ctx context.Context, resourceType, resourceID string, req condition.Request) ([]Candidate, error) {
	def, err := t.definition(resourceType)
	if err != nil {
		return nil, err
	}
	key := store.NewKey(resourceType, resourceID)
	inst, err := t.store.LoadInstance(ctx, key)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		inst = newInstance(def, key)
	}
	entity, err := t.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	evalCtx := t.guardContext(req, entityFields(entity), inst.StateData)
	candidates := def.Candidates(inst.CurrentState)
	out := make([]Candidate, 0, len(candidates))
	for _, tr := range candidates {
		ok, err := t.eval.Evaluate(tr.Guard, evalCtx)
		out = append(out, Candidate{Transition: tr, Matches: ok && err == nil, Err: err})
	}
	return out, nil
}

func (t *Tracker) guardContext(req condition.Request, entity, data map[string]any) condition.Context {
	ctx := condition.Context{Request: req, Entity: entity, Data: data}
	if t.injectNow {
		now := t.clock.Now()
		ctx.Now = &now
	}
	return ctx
}

func entityFields(e *store.Entity) map[string]any {
	if e == nil {
		return nil
	}
	return e.Fields
}

// ApplyOption adjusts a single ApplyTransition call.
type ApplyOption func(*applyConfig)

type applyConfig struct {
	def         *Definition
	request     condition.Request
	fingerprint string
	kind        store.TransitionKind
	to          string
	outputs     []dataWrite
	entityOps   []Action
	trace       *store.SubScenarioTrace
}

type dataWrite struct {
	key   string
	value any
}

// WithRequest makes the triggering request visible to copy actions.
func WithRequest(req condition.Request) ApplyOption {
	return func(c *applyConfig) { c.request = req }
}

// WithFingerprint stores the triggering request fingerprint in history.
func WithFingerprint(fp string) ApplyOption {
	return func(c *applyConfig) { c.fingerprint = strings.TrimSpace(fp) }
}

// Forced records the transition as an operator override.
func Forced() ApplyOption {
	return func(c *applyConfig) { c.kind = store.KindForced }
}

func withDefinition(def *Definition) ApplyOption {
	return func(c *applyConfig) { c.def = def }
}

func withSubScenarioResult(res *subScenarioResult) ApplyOption {
	return func(c *applyConfig) {
		if res == nil {
			return
		}
		c.to = res.to
		c.outputs = res.outputs
		c.entityOps = res.entityOps
		c.trace = res.trace
	}
}

// ApplyTransition commits tr for a resource. Under the resource lock and in
// one store transaction it re-checks tr.From against the current state,
// applies sub-scenario outputs and on-enter actions, saves the instance,
// appends the history record and writes the entity.
func (t *Tracker) ApplyTransition(ctx context.Context, resourceType, resourceID string, tr Transition, opts ...ApplyOption) (*store.InstanceRecord, error) {
	cfg := applyConfig{kind: store.KindGuarded}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	def := cfg.def
	if def == nil {
		var err error
		if def, err = t.definition(resourceType); err != nil {
			return nil, err
		}
	}
	key := store.NewKey(resourceType, resourceID)
	if !key.Valid() {
		return nil, notFound("state instance", key.ResourceType, key.ID)
	}
	target := cfg.to
	if target == "" {
		target = tr.To
	}
	if !def.HasState(target) {
		return nil, cloneError(ErrNoApplicableTransition, "transition target is not a declared state", nil, map[string]any{
			"resource_type": resourceType,
			"transition_id": tr.ID,
			"to":            target,
		})
	}

	unlock := t.locks.Lock(key)
	defer unlock()

	var committed *store.InstanceRecord
	err := t.store.RunInTransaction(ctx, func(tx store.Tx) error {
		inst, err := tx.LoadInstance(ctx, key)
		if err != nil {
			return err
		}
		if inst == nil {
			inst = newInstance(def, key)
		}
		if inst.CurrentState != tr.From {
			return staleState(resourceType, resourceID, tr.From, inst.CurrentState, false)
		}
		if def.IsTerminal(inst.CurrentState) {
			return cloneError(ErrNoApplicableTransition, "instance is in a terminal state", nil, map[string]any{
				"resource_type": resourceType,
				"resource_id":   resourceID,
				"state":         inst.CurrentState,
			})
		}

		entity, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		work := &workingSet{data: store.CloneValueMap(inst.StateData)}
		if work.data == nil {
			work.data = map[string]any{}
		}
		if entity != nil {
			work.entity = store.CloneValueMap(entity.Fields)
		}
		for _, w := range cfg.outputs {
			work.data[w.key] = store.CloneValue(w.value)
		}
		for _, op := range cfg.entityOps {
			work.apply(op, condition.Request{})
		}
		for _, action := range tr.OnEnter {
			work.apply(action, cfg.request)
		}

		from := inst.CurrentState
		inst.CurrentState = target
		inst.StateData = work.data
		if _, err := tx.SaveInstanceIfVersion(ctx, inst, inst.Version); err != nil {
			return err
		}
		if _, err := tx.AppendHistory(ctx, key, store.TransitionRecord{
			TransitionID:     tr.ID,
			From:             from,
			To:               target,
			Kind:             cfg.kind,
			Fingerprint:      cfg.fingerprint,
			SubScenarioTrace: cfg.trace,
		}); err != nil {
			return err
		}
		if work.entityTouched {
			next := entity
			if next == nil {
				next = &store.Entity{ResourceType: key.ResourceType, ID: key.ID}
			}
			next.Fields = work.entity
			if _, err := tx.Put(ctx, next); err != nil {
				return err
			}
		}
		committed, err = tx.LoadInstance(ctx, key)
		return err
	})
	if store.IsVersionConflict(err) {
		// another writer committed first; the executor re-reads and retries
		return nil, cloneError(ErrStaleState, "instance changed before commit", err, map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"expected_from": tr.From,
		})
	}
	if err != nil {
		return nil, err
	}
	t.logger.Debug("%s moved %s -> %s via %s", key, tr.From, target, tr.ID)
	return committed, nil
}

// Reset destroys the instance of a resource. The next reference recreates
// it in the initial state.
func (t *Tracker) Reset(ctx context.Context, resourceType, resourceID string) (bool, error) {
	key := store.NewKey(resourceType, resourceID)
	if !key.Valid() {
		return false, notFound("state instance", key.ResourceType, key.ID)
	}
	unlock := t.locks.Lock(key)
	defer unlock()
	existed := false
	err := t.store.RunInTransaction(ctx, func(tx store.Tx) error {
		inst, err := tx.LoadInstance(ctx, key)
		if err != nil || inst == nil {
			return err
		}
		existed = true
		return tx.DeleteInstance(ctx, key)
	})
	return existed, err
}

// ResetAll destroys every instance of resourceType.
func (t *Tracker) ResetAll(ctx context.Context, resourceType string) (int, error) {
	return store.DeleteInstances(ctx, t.store, resourceType)
}

// List returns the instances of resourceType, or of every type when empty.
func (t *Tracker) List(ctx context.Context, resourceType string) ([]*store.InstanceRecord, error) {
	return t.store.ListInstances(ctx, resourceType)
}

// workingSet is the state data and entity fields an action sequence mutates.
type workingSet struct {
	data          map[string]any
	entity        map[string]any
	entityTouched bool
}

func (w *workingSet) apply(a Action, req condition.Request) {
	target := w.data
	if a.Target == TargetEntity {
		if w.entity == nil {
			w.entity = map[string]any{}
		}
		target = w.entity
		w.entityTouched = true
	}
	switch a.Kind {
	case ActionSet:
		target[a.Key] = store.CloneValue(a.Value)
	case ActionUnset:
		delete(target, a.Key)
	case ActionCopy:
		v, err := condition.Resolve(a.From, condition.Context{Request: req, Entity: w.entity, Data: w.data})
		if err != nil || condition.IsAbsent(v) {
			return
		}
		target[a.Key] = store.CloneValue(v)
	}
}

// resolved turns a copy action into a set with the value seen now.
func (w *workingSet) resolved(a Action, req condition.Request) (Action, bool) {
	if a.Kind != ActionCopy {
		return a, true
	}
	v, err := condition.Resolve(a.From, condition.Context{Request: req, Entity: w.entity, Data: w.data})
	if err != nil || condition.IsAbsent(v) {
		return Action{}, false
	}
	return Action{Kind: ActionSet, Target: a.Target, Key: a.Key, Value: store.CloneValue(v)}, true
}
