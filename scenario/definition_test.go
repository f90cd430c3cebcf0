package scenario

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/goliatone/go-mockstate/condition"
)

func TestValidateListsEveryIssue(t *testing.T) {
	def := &Definition{
		ResourceType: "order",
		States:       []string{"pending", "paid", "paid", ""},
		InitialState: "created",
		Terminal:     []string{"archived"},
		Transitions: []Transition{
			{From: "pending", To: "nowhere"},
			{From: "ghost", To: "paid"},
			{From: "pending", SubScenario: "missing"},
			{From: "paid", To: "pending", OnEnter: []Action{{Kind: "explode", Key: "x"}, {Kind: ActionCopy, Key: "y"}}},
		},
		SubScenarios: map[string]*SubScenario{
			"refund": {
				Definition:   &Definition{States: []string{"a"}, InitialState: "a"},
				StateMapping: map[string]string{"a": "refunded", "zzz": "paid"},
			},
		},
	}
	def.Normalize()
	err := def.Validate()
	var verr *ValidationError
	if !stderrors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	wantFragments := []string{
		`duplicate state "paid"`,
		"empty state name",
		`initial state "created"`,
		`terminal state "archived"`,
		`state "nowhere" is not declared`,
		`state "ghost" is not declared`,
		`sub-scenario "missing" is not declared`,
		`unsupported action "explode"`,
		"copy action requires a source path",
		`parent state "refunded" is not declared`,
		`sub-scenario state "zzz" is not declared`,
	}
	msg := err.Error()
	for _, frag := range wantFragments {
		if !strings.Contains(msg, frag) {
			t.Fatalf("expected %q in %s", frag, msg)
		}
	}
	if len(verr.Issues) < len(wantFragments) {
		t.Fatalf("expected at least %d issues, got %d", len(wantFragments), len(verr.Issues))
	}
	if ErrorCode(err) != ErrCodeValidation {
		t.Fatalf("expected validation code, got %q", ErrorCode(err))
	}
}

func TestValidateNestedDefinitions(t *testing.T) {
	def := &Definition{
		ResourceType: "cart",
		States:       []string{"open", "done"},
		InitialState: "open",
		Transitions:  []Transition{{From: "open", SubScenario: "pay"}},
		SubScenarios: map[string]*SubScenario{
			"pay": {
				Definition:   &Definition{States: []string{"start", "ok", "ko"}, InitialState: "nope", Transitions: []Transition{{From: "start", To: "ok"}, {From: "start", To: "ko"}}},
				StateMapping: map[string]string{"ok": "done"},
			},
		},
	}
	def.Normalize()
	err := def.Validate()
	if err == nil {
		t.Fatalf("expected nested validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "sub_scenarios.pay.definition.initial_state") {
		t.Fatalf("expected nested issue path, got %s", msg)
	}
	if !strings.Contains(msg, `final state "ko" has no state mapping`) {
		t.Fatalf("expected unmapped final state issue, got %s", msg)
	}
}

func TestNormalizeFillsTransitionIDs(t *testing.T) {
	def := orderDefinition()
	def.Transitions[1].ID = ""
	def.Normalize()
	if got := def.Transitions[1].ID; got != "paid->shipped#1" {
		t.Fatalf("unexpected default id %q", got)
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("expected valid definition: %v", err)
	}
}

func TestCandidatesAndTerminalStates(t *testing.T) {
	def := &Definition{
		ResourceType: "x",
		States:       []string{"a", "b", "c", "d"},
		InitialState: "a",
		Terminal:     []string{"b"},
		Transitions: []Transition{
			{ID: "late", From: "a", To: "b", Priority: 5},
			{ID: "early", From: "a", To: "c", Priority: -1},
			{ID: "tie", From: "a", To: "d", Priority: 5},
			{ID: "back", From: "b", To: "a"},
		},
	}
	var ids []string
	for _, tr := range def.Candidates("a") {
		ids = append(ids, tr.ID)
	}
	if strings.Join(ids, ",") != "early,late,tie" {
		t.Fatalf("unexpected candidate order %v", ids)
	}
	if !def.IsTerminal("b") || !def.IsTerminal("c") || def.IsTerminal("a") {
		t.Fatalf("unexpected terminal classification")
	}
	if got := strings.Join(def.TerminalStates(), ","); got != "b,c,d" {
		t.Fatalf("unexpected terminal states %s", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	def := paymentWithCheckout()
	def.Metadata = map[string]any{"owner": map[string]any{"team": "payments"}}
	cp := def.Clone()
	cp.States[0] = "changed"
	cp.Transitions[0].Guard.Op = condition.OpOr
	cp.SubScenarios["checkout"].Definition.States[0] = "changed"
	cp.SubScenarios["checkout"].StateMapping["captured"] = "changed"
	cp.Metadata["owner"].(map[string]any)["team"] = "changed"
	if def.States[0] != "open" || def.Transitions[0].Guard.Op != condition.OpEq {
		t.Fatalf("clone shares top-level data")
	}
	sub := def.SubScenarios["checkout"]
	if sub.Definition.States[0] != "start" || sub.StateMapping["captured"] != "checked_out" {
		t.Fatalf("clone shares sub-scenario data")
	}
	if def.Metadata["owner"].(map[string]any)["team"] != "payments" {
		t.Fatalf("clone shares metadata")
	}
}

func TestValidateRejectsColonInResourceType(t *testing.T) {
	def := orderDefinition()
	def.ResourceType = "order:line"
	def.Normalize()
	err := def.Validate()
	if ErrorCode(err) != ErrCodeValidation || !strings.Contains(err.Error(), "must not contain ':'") {
		t.Fatalf("expected colon in resource type rejected, got %v", err)
	}
}
