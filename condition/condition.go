// Package condition implements guard expressions: a tagged expression tree,
// a small text syntax that parses into it, and a pure evaluator.
package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Op tags a Condition node.
type Op string

const (
	OpLiteral    Op = "literal"
	OpField      Op = "field"
	OpEq         Op = "eq"
	OpNe         Op = "ne"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpRegex      Op = "regex"
	OpIn         Op = "in"
	OpAnd        Op = "and"
	OpOr         Op = "or"
	OpNot        Op = "not"
	OpExists     Op = "exists"
)

var comparisonOps = map[Op]string{
	OpEq:         "==",
	OpNe:         "!=",
	OpLt:         "<",
	OpLte:        "<=",
	OpGt:         ">",
	OpGte:        ">=",
	OpContains:   "contains",
	OpStartsWith: "starts_with",
	OpEndsWith:   "ends_with",
	OpRegex:      "matches",
	OpIn:         "in",
}

// IsComparison reports whether op compares two operands.
func (op Op) IsComparison() bool {
	_, ok := comparisonOps[op]
	return ok
}

// Condition is one node of a guard expression tree.
//
// Comparisons take their operands from Args. The short form with Path and
// Value compares the field at Path with the literal Value.
type Condition struct {
	Op       Op           `json:"op" yaml:"op"`
	Path     string       `json:"path,omitempty" yaml:"path,omitempty"`
	Value    any          `json:"value,omitempty" yaml:"value,omitempty"`
	Args     []*Condition `json:"args,omitempty" yaml:"args,omitempty"`
	Required bool         `json:"required,omitempty" yaml:"required,omitempty"`
}

// Lit builds a literal node.
func Lit(v any) *Condition { return &Condition{Op: OpLiteral, Value: normalizeValue(v)} }

// Field builds a field reference.
func Field(path string) *Condition { return &Condition{Op: OpField, Path: strings.TrimSpace(path)} }

// Compare builds the short form comparison of the field at path with value.
func Compare(op Op, path string, value any) *Condition {
	return &Condition{Op: op, Path: strings.TrimSpace(path), Value: normalizeValue(value)}
}

// Eq compares the field at path with value.
func Eq(path string, value any) *Condition { return Compare(OpEq, path, value) }

// Exists asserts that path resolves.
func Exists(path string) *Condition { return &Condition{Op: OpExists, Path: strings.TrimSpace(path)} }

// And matches when every arg matches.
func And(args ...*Condition) *Condition { return &Condition{Op: OpAnd, Args: args} }

// Or matches when any arg matches.
func Or(args ...*Condition) *Condition { return &Condition{Op: OpOr, Args: args} }

// Not negates arg.
func Not(arg *Condition) *Condition { return &Condition{Op: OpNot, Args: []*Condition{arg}} }

// MustParse is Parse that panics on error. Intended for static guards and tests.
func MustParse(text string) *Condition {
	c, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return c
}

// Clone returns a deep copy of c.
func (c *Condition) Clone() *Condition {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Value = cloneValue(c.Value)
	if len(c.Args) > 0 {
		cp.Args = make([]*Condition, len(c.Args))
		for i, arg := range c.Args {
			cp.Args[i] = arg.Clone()
		}
	}
	return &cp
}

// Validate checks the structure of the tree without evaluating it.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	switch {
	case c.Op == OpLiteral:
		return nil
	case c.Op == OpField, c.Op == OpExists:
		if len(c.Args) == 1 && c.Op == OpExists {
			return c.Args[0].validateOperand()
		}
		if _, err := splitPath(c.Path); err != nil {
			return err
		}
		return nil
	case c.Op == OpAnd, c.Op == OpOr:
		for _, arg := range c.Args {
			if arg == nil {
				return evalError("nil operand", c.Op, "")
			}
			if err := arg.Validate(); err != nil {
				return err
			}
		}
		return nil
	case c.Op == OpNot:
		if len(c.Args) != 1 || c.Args[0] == nil {
			return evalError("not takes exactly one operand", c.Op, "")
		}
		return c.Args[0].Validate()
	case c.Op.IsComparison():
		if len(c.Args) == 0 {
			if _, err := splitPath(c.Path); err != nil {
				return err
			}
			return nil
		}
		if len(c.Args) != 2 {
			return evalError("comparison takes two operands", c.Op, c.Path)
		}
		for _, arg := range c.Args {
			if err := arg.validateOperand(); err != nil {
				return err
			}
		}
		return nil
	default:
		return evalError("unsupported operator", c.Op, c.Path)
	}
}

func (c *Condition) validateOperand() error {
	if c == nil {
		return evalError("nil operand", "", "")
	}
	switch c.Op {
	case OpLiteral:
		return nil
	case OpField:
		_, err := splitPath(c.Path)
		return err
	default:
		return evalError("operand must be a field or literal", c.Op, c.Path)
	}
}

// String renders c in the text syntax accepted by Parse.
func (c *Condition) String() string {
	if c == nil {
		return "true"
	}
	switch c.Op {
	case OpLiteral:
		return formatLiteral(c.Value)
	case OpField:
		return c.Path
	case OpExists:
		if len(c.Args) == 1 {
			return "exists(" + c.Args[0].String() + ")"
		}
		return "exists(" + c.Path + ")"
	case OpNot:
		if len(c.Args) == 1 {
			return "!(" + c.Args[0].String() + ")"
		}
	case OpAnd, OpOr:
		sep := " && "
		if c.Op == OpOr {
			sep = " || "
		}
		parts := make([]string, len(c.Args))
		for i, arg := range c.Args {
			parts[i] = arg.String()
			if arg != nil && (arg.Op == OpAnd || arg.Op == OpOr) {
				parts[i] = "(" + parts[i] + ")"
			}
		}
		return strings.Join(parts, sep)
	}
	if sym, ok := comparisonOps[c.Op]; ok {
		if len(c.Args) == 2 {
			return c.Args[0].String() + " " + sym + " " + c.Args[1].String()
		}
		return c.Path + " " + sym + " " + formatLiteral(c.Value)
	}
	return string(c.Op)
}

// MarshalJSON writes the tree form. Literal values are kept even when zero.
func (c Condition) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.encode())
}

// MarshalYAML writes the tree form.
func (c Condition) MarshalYAML() (any, error) {
	return c.encode(), nil
}

func (c Condition) encode() map[string]any {
	out := map[string]any{"op": string(c.Op)}
	if c.Path != "" {
		out["path"] = c.Path
	}
	if c.Op == OpLiteral || (c.Op.IsComparison() && len(c.Args) == 0) {
		out["value"] = c.Value
	}
	if len(c.Args) > 0 {
		args := make([]any, len(c.Args))
		for i, arg := range c.Args {
			if arg == nil {
				continue
			}
			args[i] = arg.encode()
		}
		out["args"] = args
	}
	if c.Required {
		out["required"] = true
	}
	return out
}

// UnmarshalJSON accepts either the text syntax as a JSON string or the tree.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		return c.setText(text)
	}
	type rawCondition Condition
	var raw rawCondition
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Condition(raw)
	c.Value = normalizeValue(c.Value)
	return nil
}

// UnmarshalYAML accepts either the text syntax as a scalar or the tree.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var text string
		if err := node.Decode(&text); err != nil {
			return err
		}
		return c.setText(text)
	}
	type rawCondition Condition
	var raw rawCondition
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*c = Condition(raw)
	c.Value = normalizeValue(c.Value)
	return nil
}

func (c *Condition) setText(text string) error {
	parsed, err := Parse(text)
	if err != nil {
		return err
	}
	if parsed == nil {
		parsed = Lit(true)
	}
	*c = *parsed
	return nil
}

// normalizeValue folds integer kinds to float64 so trees compare equal after
// a JSON or YAML round trip.
func normalizeValue(v any) any {
	switch typed := v.(type) {
	case int:
		return float64(typed)
	case int8:
		return float64(typed)
	case int16:
		return float64(typed)
	case int32:
		return float64(typed)
	case int64:
		return float64(typed)
	case uint:
		return float64(typed)
	case uint8:
		return float64(typed)
	case uint16:
		return float64(typed)
	case uint32:
		return float64(typed)
	case uint64:
		return float64(typed)
	case float32:
		return float64(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, item := range typed {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func formatLiteral(v any) string {
	switch typed := v.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(typed)
	case bool:
		return strconv.FormatBool(typed)
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64)
	case []any:
		parts := make([]string, len(typed))
		for i, item := range typed {
			parts[i] = formatLiteral(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", typed)
	}
}
