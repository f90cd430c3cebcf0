// Package scenario holds the state machine side of the engine: the registry
// of definitions, the per-resource instance tracker and the transition
// executor that drives instances, sub-scenarios included.
package scenario

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-mockstate/condition"
	"github.com/goliatone/go-mockstate/store"
)

// MaxNestingDepth bounds how deep sub-scenarios may delegate.
const MaxNestingDepth = 8

// Definition describes the state machine of one resource type.
type Definition struct {
	ResourceType string                  `json:"resource_type" yaml:"resource_type"`
	States       []string                `json:"states" yaml:"states"`
	InitialState string                  `json:"initial_state" yaml:"initial_state"`
	Terminal     []string                `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Transitions  []Transition            `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	SubScenarios map[string]*SubScenario `json:"sub_scenarios,omitempty" yaml:"sub_scenarios,omitempty"`
	Metadata     map[string]any          `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Transition moves an instance from one state to another.
type Transition struct {
	ID          string               `json:"id,omitempty" yaml:"id,omitempty"`
	From        string               `json:"from" yaml:"from"`
	To          string               `json:"to,omitempty" yaml:"to,omitempty"`
	Guard       *condition.Condition `json:"guard,omitempty" yaml:"guard,omitempty"`
	OnEnter     []Action             `json:"on_enter,omitempty" yaml:"on_enter,omitempty"`
	Priority    int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	SubScenario string               `json:"sub_scenario,omitempty" yaml:"sub_scenario,omitempty"`
}

// ActionKind selects what an on-enter action does.
type ActionKind string

const (
	ActionSet   ActionKind = "set"
	ActionUnset ActionKind = "unset"
	ActionCopy  ActionKind = "copy"
)

// ActionTarget selects the map an action writes to.
type ActionTarget string

const (
	TargetData   ActionTarget = "data"
	TargetEntity ActionTarget = "entity"
)

// Action mutates state data or the owning entity when a transition commits.
// Copy reads From with guard path rules.
type Action struct {
	Kind   ActionKind   `json:"kind" yaml:"kind"`
	Target ActionTarget `json:"target,omitempty" yaml:"target,omitempty"`
	Key    string       `json:"key" yaml:"key"`
	Value  any          `json:"value,omitempty" yaml:"value,omitempty"`
	From   string       `json:"from,omitempty" yaml:"from,omitempty"`
}

// Mapping copies state_data[From] into state_data[To].
type Mapping struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// SubScenario is a nested machine a transition delegates to.
type SubScenario struct {
	Definition    *Definition       `json:"definition" yaml:"definition"`
	InputMapping  []Mapping         `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping []Mapping         `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
	StateMapping  map[string]string `json:"state_mapping,omitempty" yaml:"state_mapping,omitempty"`
	StepBudget    int               `json:"step_budget,omitempty" yaml:"step_budget,omitempty"`
}

// DefaultTransitionID names a transition that has no explicit id.
func DefaultTransitionID(tr Transition, index int) string {
	to := tr.To
	if to == "" {
		to = tr.SubScenario
	}
	return fmt.Sprintf("%s->%s#%d", tr.From, to, index)
}

// Normalize trims names and fills default transition ids in place, recursively.
func (d *Definition) Normalize() {
	if d == nil {
		return
	}
	d.ResourceType = strings.TrimSpace(d.ResourceType)
	d.InitialState = strings.TrimSpace(d.InitialState)
	for i := range d.States {
		d.States[i] = strings.TrimSpace(d.States[i])
	}
	for i := range d.Terminal {
		d.Terminal[i] = strings.TrimSpace(d.Terminal[i])
	}
	for i := range d.Transitions {
		tr := &d.Transitions[i]
		tr.From = strings.TrimSpace(tr.From)
		tr.To = strings.TrimSpace(tr.To)
		tr.SubScenario = strings.TrimSpace(tr.SubScenario)
		tr.ID = strings.TrimSpace(tr.ID)
		if tr.ID == "" {
			tr.ID = DefaultTransitionID(*tr, i)
		}
		for j := range tr.OnEnter {
			if tr.OnEnter[j].Target == "" {
				tr.OnEnter[j].Target = TargetData
			}
		}
	}
	for name, sub := range d.SubScenarios {
		if sub == nil || sub.Definition == nil {
			continue
		}
		if strings.TrimSpace(sub.Definition.ResourceType) == "" {
			sub.Definition.ResourceType = name
		}
		sub.Definition.Normalize()
	}
}

// Validate reports every structural problem of d as a ValidationError.
func (d *Definition) Validate() error {
	if d == nil {
		return &ValidationError{Issues: []Issue{{Message: "definition required"}}}
	}
	verr := &ValidationError{ResourceType: d.ResourceType}
	d.validate(verr, "", 0)
	return verr.orNil()
}

func (d *Definition) validate(verr *ValidationError, prefix string, depth int) {
	at := func(path string) string {
		if prefix == "" {
			return path
		}
		if path == "" {
			return prefix
		}
		return prefix + "." + path
	}
	if depth > MaxNestingDepth {
		verr.add(at(""), "sub-scenarios nest deeper than %d levels", MaxNestingDepth)
		return
	}
	if strings.TrimSpace(d.ResourceType) == "" {
		verr.add(at("resource_type"), "resource type required")
	} else if strings.Contains(d.ResourceType, ":") {
		verr.add(at("resource_type"), "resource type %q must not contain ':'", d.ResourceType)
	}
	if len(d.States) == 0 {
		verr.add(at("states"), "at least one state required")
	}
	states := make(map[string]struct{}, len(d.States))
	for i, st := range d.States {
		name := strings.TrimSpace(st)
		if name == "" {
			verr.add(at(fmt.Sprintf("states[%d]", i)), "empty state name")
			continue
		}
		if _, dup := states[name]; dup {
			verr.add(at(fmt.Sprintf("states[%d]", i)), "duplicate state %q", name)
			continue
		}
		states[name] = struct{}{}
	}
	if _, ok := states[strings.TrimSpace(d.InitialState)]; !ok {
		verr.add(at("initial_state"), "initial state %q is not declared", d.InitialState)
	}
	for i, st := range d.Terminal {
		if _, ok := states[strings.TrimSpace(st)]; !ok {
			verr.add(at(fmt.Sprintf("terminal[%d]", i)), "terminal state %q is not declared", st)
		}
	}

	ids := make(map[string]int, len(d.Transitions))
	for i, tr := range d.Transitions {
		path := at(fmt.Sprintf("transitions[%d]", i))
		id := strings.TrimSpace(tr.ID)
		if id == "" {
			id = DefaultTransitionID(tr, i)
		}
		if prev, dup := ids[id]; dup {
			verr.add(path, "duplicate transition id %q (also transitions[%d])", id, prev)
		} else {
			ids[id] = i
		}
		if _, ok := states[strings.TrimSpace(tr.From)]; !ok {
			verr.add(path+".from", "state %q is not declared", tr.From)
		}
		to := strings.TrimSpace(tr.To)
		subName := strings.TrimSpace(tr.SubScenario)
		var sub *SubScenario
		if subName != "" {
			sub = d.SubScenarios[subName]
			if sub == nil {
				verr.add(path+".sub_scenario", "sub-scenario %q is not declared", subName)
			}
		}
		switch {
		case to != "":
			if _, ok := states[to]; !ok {
				verr.add(path+".to", "state %q is not declared", tr.To)
			}
		case subName == "":
			verr.add(path+".to", "target state required")
		case sub != nil && sub.Definition != nil:
			for _, final := range sub.Definition.TerminalStates() {
				if _, mapped := sub.StateMapping[final]; !mapped {
					verr.add(path+".to", "sub-scenario %q final state %q has no state mapping and the transition has no default target", subName, final)
				}
			}
		}
		if tr.Guard != nil {
			if err := tr.Guard.Validate(); err != nil {
				verr.add(path+".guard", "%v", err)
			}
		}
		for j, action := range tr.OnEnter {
			validateAction(verr, fmt.Sprintf("%s.on_enter[%d]", path, j), action)
		}
	}

	names := make([]string, 0, len(d.SubScenarios))
	for name := range d.SubScenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub := d.SubScenarios[name]
		path := at("sub_scenarios." + name)
		if strings.TrimSpace(name) == "" {
			verr.add(path, "sub-scenario name required")
		}
		if sub == nil || sub.Definition == nil {
			verr.add(path+".definition", "definition required")
			continue
		}
		if sub.StepBudget < 0 {
			verr.add(path+".step_budget", "step budget must not be negative")
		}
		nested := make(map[string]struct{}, len(sub.Definition.States))
		for _, st := range sub.Definition.States {
			nested[strings.TrimSpace(st)] = struct{}{}
		}
		for final, parent := range sub.StateMapping {
			if _, ok := nested[final]; !ok {
				verr.add(path+".state_mapping", "sub-scenario state %q is not declared", final)
			}
			if _, ok := states[parent]; !ok {
				verr.add(path+".state_mapping", "parent state %q is not declared", parent)
			}
		}
		for j, m := range sub.InputMapping {
			validateMapping(verr, fmt.Sprintf("%s.input_mapping[%d]", path, j), m)
		}
		for j, m := range sub.OutputMapping {
			validateMapping(verr, fmt.Sprintf("%s.output_mapping[%d]", path, j), m)
		}
		sub.Definition.validate(verr, path+".definition", depth+1)
	}
}

func validateAction(verr *ValidationError, path string, a Action) {
	switch a.Kind {
	case ActionSet, ActionUnset:
	case ActionCopy:
		if strings.TrimSpace(a.From) == "" {
			verr.add(path+".from", "copy action requires a source path")
		} else if _, err := condition.Resolve(a.From, condition.Context{}); err != nil {
			verr.add(path+".from", "%v", err)
		}
	default:
		verr.add(path+".kind", "unsupported action %q", a.Kind)
	}
	switch a.Target {
	case "", TargetData, TargetEntity:
	default:
		verr.add(path+".target", "unsupported target %q", a.Target)
	}
	if strings.TrimSpace(a.Key) == "" {
		verr.add(path+".key", "key required")
	}
}

func validateMapping(verr *ValidationError, path string, m Mapping) {
	if strings.TrimSpace(m.From) == "" || strings.TrimSpace(m.To) == "" {
		verr.add(path, "mapping requires from and to")
	}
}

// HasState reports whether state is declared.
func (d *Definition) HasState(state string) bool {
	for _, st := range d.States {
		if st == state {
			return true
		}
	}
	return false
}

// IsTerminal reports whether state is marked terminal or has no outgoing transitions.
func (d *Definition) IsTerminal(state string) bool {
	for _, st := range d.Terminal {
		if st == state {
			return true
		}
	}
	for _, tr := range d.Transitions {
		if tr.From == state {
			return false
		}
	}
	return true
}

// TerminalStates lists the terminal states in declaration order.
func (d *Definition) TerminalStates() []string {
	var out []string
	for _, st := range d.States {
		if d.IsTerminal(strings.TrimSpace(st)) {
			out = append(out, strings.TrimSpace(st))
		}
	}
	return out
}

// Candidates returns the transitions leaving state, ordered by ascending
// priority with declaration order breaking ties.
func (d *Definition) Candidates(state string) []Transition {
	var out []Transition
	for i, tr := range d.Transitions {
		if tr.From != state {
			continue
		}
		if tr.ID == "" {
			tr.ID = DefaultTransitionID(tr, i)
		}
		out = append(out, tr)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Transition looks up a transition by id.
func (d *Definition) Transition(id string) (Transition, bool) {
	for i, tr := range d.Transitions {
		if tr.ID == "" {
			tr.ID = DefaultTransitionID(tr, i)
		}
		if tr.ID == id {
			return tr, true
		}
	}
	return Transition{}, false
}

// Clone returns a deep copy of d.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.States = append([]string(nil), d.States...)
	cp.Terminal = append([]string(nil), d.Terminal...)
	cp.Metadata = store.CloneValueMap(d.Metadata)
	if d.Transitions != nil {
		cp.Transitions = make([]Transition, len(d.Transitions))
		for i, tr := range d.Transitions {
			cp.Transitions[i] = tr.Clone()
		}
	}
	if d.SubScenarios != nil {
		cp.SubScenarios = make(map[string]*SubScenario, len(d.SubScenarios))
		for name, sub := range d.SubScenarios {
			cp.SubScenarios[name] = sub.Clone()
		}
	}
	return &cp
}

// Clone returns a deep copy of tr.
func (tr Transition) Clone() Transition {
	tr.Guard = tr.Guard.Clone()
	if tr.OnEnter != nil {
		actions := make([]Action, len(tr.OnEnter))
		for i, a := range tr.OnEnter {
			a.Value = store.CloneValue(a.Value)
			actions[i] = a
		}
		tr.OnEnter = actions
	}
	return tr
}

// Clone returns a deep copy of s.
func (s *SubScenario) Clone() *SubScenario {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Definition = s.Definition.Clone()
	cp.InputMapping = append([]Mapping(nil), s.InputMapping...)
	cp.OutputMapping = append([]Mapping(nil), s.OutputMapping...)
	if s.StateMapping != nil {
		cp.StateMapping = make(map[string]string, len(s.StateMapping))
		for k, v := range s.StateMapping {
			cp.StateMapping[k] = v
		}
	}
	return &cp
}
