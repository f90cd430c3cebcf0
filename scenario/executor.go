package scenario

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/logging"
	"github.com/goliatone/go-mockstate/store"
)

const (
	// DefaultStepBudget bounds the steps one execution may take inside sub-scenarios.
	DefaultStepBudget = 32
	defaultStaleRetry = 1
	tracerName        = "github.com/goliatone/go-mockstate/scenario"
)

// Outcome describes what one execution did.
type Outcome struct {
	ExecutionID      string                  `json:"execution_id"`
	ResourceType     string                  `json:"resource_type"`
	ResourceID       string                  `json:"resource_id"`
	OldState         string                  `json:"old_state"`
	NewState         string                  `json:"new_state"`
	Applied          *Transition             `json:"applied_transition,omitempty"`
	Kind             store.TransitionKind    `json:"kind,omitempty"`
	SubScenarioTrace *store.SubScenarioTrace `json:"sub_scenario_trace,omitempty"`
	Instance         *store.InstanceRecord   `json:"instance,omitempty"`
	Attempts         int                     `json:"attempts"`
}

// Advanced reports whether a transition was committed.
func (o *Outcome) Advanced() bool { return o != nil && o.Applied != nil }

// Executor selects and commits transitions for incoming requests.
type Executor struct {
	registry     *Registry
	tracker      *Tracker
	sink         Sink
	metrics      *Metrics
	logger       logging.Logger
	retry        RetryStrategy
	staleRetries int
	stepBudget   int
	tracer       trace.Tracer

	beforeCommit func(ctx context.Context, key store.Key, tr Transition)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSink sets the event sink.
func WithSink(sink Sink) ExecutorOption {
	return func(e *Executor) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(logger logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRetryStrategy sets the delay between stale retries.
func WithRetryStrategy(strategy RetryStrategy) ExecutorOption {
	return func(e *Executor) {
		if strategy != nil {
			e.retry = strategy
		}
	}
}

// WithStaleRetries sets how many times a stale execution is retried.
func WithStaleRetries(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.staleRetries = n
		}
	}
}

// WithStepBudget sets the default sub-scenario step budget.
func WithStepBudget(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.stepBudget = n
		}
	}
}

// NewExecutor builds an executor over the tracker and its registry.
func NewExecutor(tracker *Tracker, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:     tracker.registry,
		tracker:      tracker,
		sink:         nopSink{},
		logger:       logging.Nop{},
		retry:        NoDelayStrategy{},
		staleRetries: defaultStaleRetry,
		stepBudget:   DefaultStepBudget,
		tracer:       otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Tracker returns the tracker the executor commits through.
func (e *Executor) Tracker() *Tracker { return e.tracker }

// ExecOption adjusts one execution.
type ExecOption func(*execConfig)

type execConfig struct {
	fingerprint  string
	force        bool
	transitionID string
}

// WithRequestFingerprint records fp on the committed history entry.
func WithRequestFingerprint(fp string) ExecOption {
	return func(c *execConfig) { c.fingerprint = fp }
}

// Execute advances a resource by the first transition whose guard holds
// for req. When nothing matches the outcome is a no-op and nothing is written.
func (e *Executor) Execute(ctx context.Context, resourceType, resourceID string, req condition.Request, opts ...ExecOption) (*Outcome, error) {
	cfg := execConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return e.run(ctx, strings.TrimSpace(resourceType), strings.TrimSpace(resourceID), req, cfg)
}

// Force applies transitionID without evaluating its guard and records it as
// forced. An empty id picks the first transition leaving the current state.
func (e *Executor) Force(ctx context.Context, resourceType, resourceID, transitionID string, req condition.Request, opts ...ExecOption) (*Outcome, error) {
	cfg := execConfig{force: true, transitionID: strings.TrimSpace(transitionID)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return e.run(ctx, strings.TrimSpace(resourceType), strings.TrimSpace(resourceID), req, cfg)
}

func (e *Executor) run(ctx context.Context, resourceType, resourceID string, req condition.Request, cfg execConfig) (*Outcome, error) {
	started := time.Now()
	executionID := uuid.NewString()
	logger := logging.WithFields(e.logger, map[string]any{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"execution_id":  executionID,
	})

	ctx, span := e.tracer.Start(ctx, "scenario.execute", trace.WithAttributes(
		attribute.String("resource_type", resourceType),
		attribute.String("resource_id", resourceID),
		attribute.String("execution_id", executionID),
		attribute.Bool("forced", cfg.force),
	))
	defer span.End()

	var (
		out *Outcome
		err error
	)
	attempts := 0
	for {
		attempts++
		out, err = e.executeOnce(ctx, resourceType, resourceID, req, cfg, executionID, logger)
		if err == nil || !IsStaleState(err) || attempts > e.staleRetries {
			break
		}
		delay := e.retry.SleepDuration(attempts-1, err)
		logger.Debug("state changed before commit, retrying execution (attempt %d)", attempts)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				err = ctx.Err()
			case <-timer.C:
			}
			if ctx.Err() != nil {
				break
			}
		}
	}
	if err != nil && IsStaleState(err) {
		err = markRetryable(err, attempts)
	}

	now := e.tracker.clock.Now()
	if err != nil {
		code := ErrorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error_code", code))
		e.metrics.recordExecution(resourceType, outcomeLabel(code), time.Since(started))
		logger.Warn("execution failed: %v", err)
		e.sink.Emit(ctx, Event{
			Type:         EventTransitionFailed,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			ExecutionID:  executionID,
			TransitionID: cfg.transitionID,
			ErrorCode:    code,
			Error:        err.Error(),
			Timestamp:    now,
		})
		return nil, err
	}

	out.Attempts = attempts
	span.SetAttributes(
		attribute.String("old_state", out.OldState),
		attribute.String("new_state", out.NewState),
		attribute.Bool("advanced", out.Advanced()),
	)
	if !out.Advanced() {
		e.metrics.recordExecution(resourceType, "noop", time.Since(started))
		logger.Debug("no transition matched in state %s", out.OldState)
		return out, nil
	}
	e.metrics.recordExecution(resourceType, "advanced", time.Since(started))
	e.metrics.recordTransition(resourceType, out.OldState, out.NewState, string(out.Kind))
	logger.Info("%s -> %s via %s", out.OldState, out.NewState, out.Applied.ID)
	e.sink.Emit(ctx, Event{
		Type:         EventStateChanged,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldState:     out.OldState,
		NewState:     out.NewState,
		TransitionID: out.Applied.ID,
		Kind:         out.Kind,
		ExecutionID:  executionID,
		Timestamp:    now,
	})
	return out, nil
}

func (e *Executor) executeOnce(ctx context.Context, resourceType, resourceID string, req condition.Request, cfg execConfig, executionID string, logger logging.Logger) (*Outcome, error) {
	def, err := e.registry.Lookup(resourceType)
	if err != nil {
		return nil, err
	}
	key := store.NewKey(resourceType, resourceID)
	inst, err := e.tracker.getOrCreate(ctx, def, key)
	if err != nil {
		return nil, err
	}
	entity, err := e.tracker.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		ExecutionID:  executionID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		OldState:     inst.CurrentState,
		NewState:     inst.CurrentState,
		Instance:     inst,
	}

	var tr Transition
	if cfg.force {
		if tr, err = forcedTransition(def, inst.CurrentState, cfg.transitionID, key); err != nil {
			return nil, err
		}
	} else {
		// Terminal instances stay put; only forced or direct applies report it.
		if def.IsTerminal(inst.CurrentState) {
			return out, nil
		}
		evalCtx := e.tracker.guardContext(req, entityFields(entity), inst.StateData)
		var ok bool
		if tr, ok = e.selectTransition(def, inst.CurrentState, evalCtx, logger); !ok {
			return out, nil
		}
	}

	applyOpts := []ApplyOption{withDefinition(def), WithRequest(req), WithFingerprint(cfg.fingerprint)}
	if cfg.force {
		applyOpts = append(applyOpts, Forced())
	}
	if tr.SubScenario != "" {
		res, err := e.runSubScenario(ctx, def, tr, inst.StateData, entityFields(entity), req, logger)
		if err != nil {
			return nil, err
		}
		applyOpts = append(applyOpts, withSubScenarioResult(res))
		out.SubScenarioTrace = res.trace
	}

	if e.beforeCommit != nil {
		e.beforeCommit(ctx, key, tr)
	}
	committed, err := e.tracker.ApplyTransition(ctx, resourceType, resourceID, tr, applyOpts...)
	if err != nil {
		return nil, err
	}
	applied := tr.Clone()
	out.Applied = &applied
	out.NewState = committed.CurrentState
	out.Instance = committed
	out.Kind = store.KindGuarded
	if cfg.force {
		out.Kind = store.KindForced
	}
	return out, nil
}

func forcedTransition(def *Definition, current, id string, key store.Key) (Transition, error) {
	if id == "" {
		candidates := def.Candidates(current)
		if len(candidates) == 0 {
			return Transition{}, cloneError(ErrNoApplicableTransition, "no transition leaves the current state", nil, map[string]any{
				"resource_type": key.ResourceType,
				"resource_id":   key.ID,
				"state":         current,
			})
		}
		return candidates[0], nil
	}
	tr, ok := def.Transition(id)
	if !ok {
		return Transition{}, cloneError(ErrNotFound, "transition not found", nil, map[string]any{
			"resource_type": key.ResourceType,
			"transition_id": id,
		})
	}
	if tr.From != current {
		return Transition{}, cloneError(ErrNoApplicableTransition, "transition does not leave the current state", nil, map[string]any{
			"resource_type": key.ResourceType,
			"resource_id":   key.ID,
			"transition_id": id,
			"from":          tr.From,
			"state":         current,
		})
	}
	return tr, nil
}

// selectTransition returns the first candidate whose guard is absent or true.
// Guards that fail to evaluate are logged and skipped.
func (e *Executor) selectTransition(def *Definition, state string, evalCtx condition.Context, logger logging.Logger) (Transition, bool) {
	for _, tr := range def.Candidates(state) {
		ok, err := e.tracker.eval.Evaluate(tr.Guard, evalCtx)
		if err != nil {
			logger.Warn("guard of %s on %s failed to evaluate, skipping: %v", tr.ID, def.ResourceType, err)
			continue
		}
		if ok {
			return tr, true
		}
	}
	return Transition{}, false
}

type subScenarioResult struct {
	to        string
	outputs   []dataWrite
	entityOps []Action
	trace     *store.SubScenarioTrace
	steps     int
}

// subFrame is one nested instance on the sub-scenario stack. Nested
// instances live only for the delegating execution and are never persisted.
type subFrame struct {
	name    string
	sub     *SubScenario
	state   string
	data    map[string]any
	trace   *store.SubScenarioTrace
	pending *Transition
	depth   int
}

func newSubFrame(name string, sub *SubScenario, parentData map[string]any, depth int) *subFrame {
	data := map[string]any{}
	for _, m := range sub.InputMapping {
		v, err := condition.Resolve("data."+m.From, condition.Context{Data: parentData})
		if err != nil || condition.IsAbsent(v) {
			continue
		}
		data[m.To] = store.CloneValue(v)
	}
	return &subFrame{
		name:  name,
		sub:   sub,
		state: sub.Definition.InitialState,
		data:  data,
		trace: &store.SubScenarioTrace{Name: name, InstanceID: uuid.NewString()},
		depth: depth,
	}
}

// outputs maps the frame's final data onto parent keys in declaration
// order. A later mapping to the same key overwrites an earlier one.
func (f *subFrame) outputs() []dataWrite {
	var out []dataWrite
	for _, m := range f.sub.OutputMapping {
		v, err := condition.Resolve("data."+m.From, condition.Context{Data: f.data})
		if err != nil || condition.IsAbsent(v) {
			continue
		}
		out = append(out, dataWrite{key: m.To, value: store.CloneValue(v)})
	}
	return out
}

func (f *subFrame) exitState(fallback string) string {
	if mapped, ok := f.sub.StateMapping[f.state]; ok && mapped != "" {
		return mapped
	}
	return fallback
}

// runSubScenario drives the sub-scenario of tr to a terminal state with the
// same request. Nested delegation uses an explicit stack and every step at
// any depth draws from one budget.
func (e *Executor) runSubScenario(ctx context.Context, def *Definition, tr Transition, parentData, entity map[string]any, req condition.Request, logger logging.Logger) (*subScenarioResult, error) {
	sub := def.SubScenarios[tr.SubScenario]
	if sub == nil || sub.Definition == nil {
		return nil, notFound("sub-scenario "+tr.SubScenario, def.ResourceType, "")
	}
	budget := e.stepBudget
	if sub.StepBudget > 0 {
		budget = sub.StepBudget
	}

	entityWork := store.CloneValueMap(entity)
	if entityWork == nil {
		entityWork = map[string]any{}
	}
	var entityOps []Action
	runActions := func(data map[string]any, actions []Action) {
		ws := &workingSet{data: data, entity: entityWork}
		for _, a := range actions {
			if a.Target == TargetEntity {
				resolved, ok := ws.resolved(a, req)
				if !ok {
					continue
				}
				entityOps = append(entityOps, resolved)
				a = resolved
			}
			ws.apply(a, req)
		}
	}
	evalCtx := func(data map[string]any) condition.Context {
		return e.tracker.guardContext(req, entityWork, data)
	}

	used := 0
	stack := []*subFrame{newSubFrame(tr.SubScenario, sub, parentData, 1)}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		nested := top.sub.Definition

		if nested.IsTerminal(top.state) {
			top.trace.FinalState = top.state
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return &subScenarioResult{
					to:        top.exitState(tr.To),
					outputs:   top.outputs(),
					entityOps: entityOps,
					trace:     top.trace,
					steps:     used,
				}, nil
			}
			parent := stack[len(stack)-1]
			delegated := parent.pending
			parent.pending = nil
			to := top.exitState(delegated.To)
			for _, w := range top.outputs() {
				parent.data[w.key] = w.value
			}
			runActions(parent.data, delegated.OnEnter)
			parent.trace.Steps = append(parent.trace.Steps, store.TraceStep{
				TransitionID: delegated.ID,
				From:         parent.state,
				To:           to,
				Nested:       top.trace,
			})
			parent.state = to
			continue
		}

		if used >= budget {
			return nil, budgetExceeded(def.ResourceType, top, budget, used, "budget exhausted")
		}
		used++
		top.trace.StepsUsed++

		next, ok := e.selectTransition(nested, top.state, evalCtx(top.data), logger)
		if !ok {
			// The request never changes inside one execution, so a state
			// with no matching guard would spin until the budget runs out.
			return nil, budgetExceeded(def.ResourceType, top, budget, budget, "no transition matches in a non-terminal state")
		}
		if next.SubScenario != "" {
			if top.depth+1 > MaxNestingDepth {
				return nil, budgetExceeded(def.ResourceType, top, budget, used, "sub-scenario nesting too deep")
			}
			child := nested.SubScenarios[next.SubScenario]
			if child == nil || child.Definition == nil {
				return nil, notFound("sub-scenario "+next.SubScenario, nested.ResourceType, "")
			}
			pending := next
			top.pending = &pending
			stack = append(stack, newSubFrame(next.SubScenario, child, top.data, top.depth+1))
			continue
		}
		runActions(top.data, next.OnEnter)
		top.trace.Steps = append(top.trace.Steps, store.TraceStep{
			TransitionID: next.ID,
			From:         top.state,
			To:           next.To,
		})
		top.state = next.To
	}
}

func budgetExceeded(resourceType string, frame *subFrame, budget, used int, reason string) error {
	return cloneError(ErrBudgetExceeded, "", nil, map[string]any{
		"resource_type": resourceType,
		"sub_scenario":  frame.name,
		"state":         frame.state,
		"budget":        budget,
		"steps_used":    used,
		"reason":        reason,
	})
}

func markRetryable(err error, attempts int) error {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) {
		return err
	}
	cp := ge.Clone()
	meta := make(map[string]any, len(ge.Metadata)+2)
	for k, v := range ge.Metadata {
		meta[k] = v
	}
	meta["retryable"] = true
	meta["attempts"] = attempts
	cp.Metadata = meta
	return cp
}

func outcomeLabel(code string) string {
	if code == "" {
		return "error"
	}
	return strings.ToLower(code)
}
