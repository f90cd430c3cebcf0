package condition

import (
	"encoding/json"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseBuildsTree(t *testing.T) {
	c, err := Parse(`payment.status == "captured" && (entity.total > 10 || !exists(request.headers.x-skip))`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := And(
		&Condition{Op: OpEq, Args: []*Condition{Field("payment.status"), Lit("captured")}},
		Or(
			&Condition{Op: OpGt, Args: []*Condition{Field("entity.total"), Lit(10)}},
			Not(Exists("request.headers.x-skip")),
		),
	)
	if !reflect.DeepEqual(c, want) {
		t.Fatalf("unexpected tree:\n got %s\nwant %s", c, want)
	}
}

func TestParseEmptyIsNil(t *testing.T) {
	c, err := Parse("   ")
	if err != nil || c != nil {
		t.Fatalf("expected nil condition for empty text, got %v err=%v", c, err)
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		`payment.status == "captured`,
		`payment.status ==`,
		`(a == 1`,
		`a == 1 b`,
		`a # 1`,
		`exists(1)`,
		`a in [b.c]`,
	} {
		if _, err := Parse(expr); !IsEvalError(err) {
			t.Fatalf("%q: expected parse error, got %v", expr, err)
		}
	}
}

func TestStringRoundTripsThroughParse(t *testing.T) {
	for _, expr := range []string{
		`payment.status == "captured"`,
		`a.b > -1.5 && c in ["x", 2, true]`,
		`!(x.y) || exists(request.body_json.id)`,
	} {
		c := MustParse(expr)
		again := MustParse(c.String())
		if !reflect.DeepEqual(c, again) {
			t.Fatalf("%q: string form %q does not parse back to the same tree", expr, c.String())
		}
	}
}

func TestConditionDecodesFromTextOrTree(t *testing.T) {
	type holder struct {
		Guard *Condition `json:"guard" yaml:"guard"`
	}

	var fromText holder
	if err := yaml.Unmarshal([]byte(`guard: tracking.delivered == true`), &fromText); err != nil {
		t.Fatalf("yaml text: %v", err)
	}
	var fromTree holder
	src := "guard:\n  op: eq\n  args:\n    - {op: field, path: tracking.delivered}\n    - {op: literal, value: true}\n"
	if err := yaml.Unmarshal([]byte(src), &fromTree); err != nil {
		t.Fatalf("yaml tree: %v", err)
	}
	if !reflect.DeepEqual(fromText.Guard, fromTree.Guard) {
		t.Fatalf("expected text and tree forms to decode alike: %s vs %s", fromText.Guard, fromTree.Guard)
	}

	var fromJSON holder
	if err := json.Unmarshal([]byte(`{"guard":"tracking.delivered == true"}`), &fromJSON); err != nil {
		t.Fatalf("json text: %v", err)
	}
	if !reflect.DeepEqual(fromJSON.Guard, fromText.Guard) {
		t.Fatalf("expected json text form to match")
	}
}

func TestConditionTreeSurvivesEncoding(t *testing.T) {
	c := MustParse(`entity.total >= 100 && data.attempts in [1, 2, 3]`)

	raw, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal json: %v", err)
	}
	var viaJSON Condition
	if err := json.Unmarshal(raw, &viaJSON); err != nil {
		t.Fatalf("unmarshal json: %v", err)
	}
	if !reflect.DeepEqual(c, &viaJSON) {
		t.Fatalf("json round trip changed the tree: %s", viaJSON.String())
	}

	out, err := yaml.Marshal(c)
	if err != nil {
		t.Fatalf("marshal yaml: %v", err)
	}
	var viaYAML Condition
	if err := yaml.Unmarshal(out, &viaYAML); err != nil {
		t.Fatalf("unmarshal yaml: %v", err)
	}
	if !reflect.DeepEqual(c, &viaYAML) {
		t.Fatalf("yaml round trip changed the tree: %s", viaYAML.String())
	}
}

func TestValidate(t *testing.T) {
	if err := MustParse(`a == 1 && exists(b)`).Validate(); err != nil {
		t.Fatalf("expected valid tree: %v", err)
	}
	bad := []*Condition{
		{Op: "between"},
		{Op: OpEq, Args: []*Condition{Field("a")}},
		{Op: OpEq, Args: []*Condition{And(), Lit(1)}},
		{Op: OpField, Path: "a[x]"},
		{Op: OpNot, Args: nil},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("expected validation error for %+v", c)
		}
	}
}
