package condition

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Request is the request view exposed to guards.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any               `json:"body_json,omitempty"`
}

// Context is everything a guard may read. Now is only visible when injected.
type Context struct {
	Request Request
	Entity  map[string]any
	Data    map[string]any
	Now     *time.Time
}

type absent struct{}

func (absent) String() string { return "<absent>" }

// Absent is the value of a reference that does not resolve.
var Absent any = absent{}

// IsAbsent reports whether v is the Absent marker.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Evaluator evaluates Condition trees. It is safe for concurrent use.
type Evaluator struct {
	regex *regexCache
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithRegexCacheSize bounds the compiled pattern cache.
func WithRegexCacheSize(size int) EvaluatorOption {
	return func(e *Evaluator) {
		e.regex = newRegexCache(size)
	}
}

// NewEvaluator builds an evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.regex == nil {
		e.regex = newRegexCache(defaultRegexCacheSize)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Evaluate evaluates c with a shared default evaluator.
func Evaluate(c *Condition, ctx Context) (bool, error) {
	return defaultEvaluator.Evaluate(c, ctx)
}

// Evaluate reports whether c holds in ctx. A nil condition always holds.
func (e *Evaluator) Evaluate(c *Condition, ctx Context) (bool, error) {
	if c == nil {
		return true, nil
	}
	switch c.Op {
	case OpAnd:
		for _, arg := range c.Args {
			ok, err := e.Evaluate(arg, ctx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, arg := range c.Args {
			ok, err := e.Evaluate(arg, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		if len(c.Args) != 1 {
			return false, evalError("not takes exactly one operand", c.Op, "")
		}
		ok, err := e.Evaluate(c.Args[0], ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case OpExists:
		target := c
		if len(c.Args) == 1 {
			target = c.Args[0]
		}
		v, err := e.operand(&Condition{Op: OpField, Path: target.Path}, ctx)
		if err != nil {
			return false, err
		}
		return !IsAbsent(v), nil
	case OpLiteral:
		b, ok := c.Value.(bool)
		if !ok {
			return false, evalError("literal guard must be a boolean", c.Op, "")
		}
		return b, nil
	case OpField:
		v, err := e.operand(c, ctx)
		if err != nil {
			return false, err
		}
		if IsAbsent(v) {
			if c.Required {
				return false, evalError("required field not found", c.Op, c.Path)
			}
			return false, nil
		}
		return truthy(v), nil
	}

	if !c.Op.IsComparison() {
		return false, evalError("unsupported operator", c.Op, c.Path)
	}
	left, right, err := e.operands(c, ctx)
	if err != nil {
		return false, err
	}
	if IsAbsent(left) || IsAbsent(right) {
		if c.Required || requiredOperand(c) {
			return false, evalError("required field not found", c.Op, c.Path)
		}
		return false, nil
	}
	return e.compare(c.Op, left, right)
}

func requiredOperand(c *Condition) bool {
	for _, arg := range c.Args {
		if arg != nil && arg.Required {
			return true
		}
	}
	return false
}

func (e *Evaluator) operands(c *Condition, ctx Context) (any, any, error) {
	if len(c.Args) == 0 {
		left, err := e.operand(&Condition{Op: OpField, Path: c.Path}, ctx)
		return left, c.Value, err
	}
	if len(c.Args) != 2 {
		return nil, nil, evalError("comparison takes two operands", c.Op, c.Path)
	}
	left, err := e.operand(c.Args[0], ctx)
	if err != nil {
		return nil, nil, err
	}
	right, err := e.operand(c.Args[1], ctx)
	if err != nil {
		return nil, nil, err
	}
	return left, right, nil
}

func (e *Evaluator) operand(c *Condition, ctx Context) (any, error) {
	if c == nil {
		return nil, evalError("nil operand", "", "")
	}
	switch c.Op {
	case OpLiteral:
		return c.Value, nil
	case OpField:
		segments, err := splitPath(c.Path)
		if err != nil {
			return nil, err
		}
		return resolve(segments, ctx), nil
	default:
		return nil, evalError("operand must be a field or literal", c.Op, c.Path)
	}
}

func (e *Evaluator) compare(op Op, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equalValues(left, right), nil
	case OpNe:
		return !equalValues(left, right), nil
	case OpLt, OpLte, OpGt, OpGte:
		cmp, err := orderValues(left, right)
		if err != nil {
			return false, wrapEvalError("operands are not comparable", err, op)
		}
		switch op {
		case OpLt:
			return cmp < 0, nil
		case OpLte:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	case OpContains:
		switch typed := left.(type) {
		case string:
			s, ok := scalarString(right)
			if !ok {
				return false, evalError("contains needs a scalar needle", op, "")
			}
			return strings.Contains(typed, s), nil
		case []any:
			for _, item := range typed {
				if equalValues(item, right) {
					return true, nil
				}
			}
			return false, nil
		case map[string]any:
			key, ok := scalarString(right)
			if !ok {
				return false, evalError("contains needs a scalar key", op, "")
			}
			_, found := typed[key]
			return found, nil
		default:
			return false, evalError("contains needs a string, list or object", op, "")
		}
	case OpStartsWith, OpEndsWith:
		s, okLeft := scalarString(left)
		affix, okRight := scalarString(right)
		if !okLeft || !okRight {
			return false, evalError("operands must be scalars", op, "")
		}
		if op == OpStartsWith {
			return strings.HasPrefix(s, affix), nil
		}
		return strings.HasSuffix(s, affix), nil
	case OpRegex:
		pattern, ok := right.(string)
		if !ok {
			return false, evalError("regex pattern must be a string", op, "")
		}
		s, ok := scalarString(left)
		if !ok {
			return false, evalError("regex subject must be a scalar", op, "")
		}
		re, err := e.regex.compile(pattern)
		if err != nil {
			return false, wrapEvalError("invalid regex pattern", err, op)
		}
		return re.MatchString(s), nil
	case OpIn:
		list, ok := right.([]any)
		if !ok {
			return false, evalError("in needs a list", op, "")
		}
		for _, item := range list {
			if equalValues(left, item) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, evalError("unsupported operator", op, "")
}

// Resolve looks up path in ctx with the same rules guards use. A path that
// does not resolve yields Absent. A `$.` prefix addresses the request body.
func Resolve(path string, ctx Context) (any, error) {
	segments, err := splitPath(bodyPath(strings.TrimSpace(path)))
	if err != nil {
		return nil, err
	}
	return resolve(segments, ctx), nil
}

// resolve walks segments through the context. Unresolvable references yield Absent.
func resolve(segments []string, ctx Context) any {
	root, rest := segments[0], segments[1:]
	switch root {
	case "request":
		if len(rest) == 0 {
			return Absent
		}
		field, tail := rest[0], rest[1:]
		switch field {
		case "method":
			return scalarOrAbsent(ctx.Request.Method, tail)
		case "path":
			return scalarOrAbsent(ctx.Request.Path, tail)
		case "headers", "header":
			return lookupStringMap(ctx.Request.Headers, tail, true)
		case "query":
			return lookupStringMap(ctx.Request.Query, tail, false)
		case "body_json", "body":
			if ctx.Request.Body == nil {
				return Absent
			}
			return walk(ctx.Request.Body, tail)
		}
		return Absent
	case "entity":
		if len(rest) > 0 && rest[0] == "fields" {
			rest = rest[1:]
		}
		if ctx.Entity == nil {
			return Absent
		}
		return walk(ctx.Entity, rest)
	case "state_data", "data":
		if ctx.Data == nil {
			return Absent
		}
		return walk(ctx.Data, rest)
	case "now":
		if ctx.Now == nil || len(rest) > 0 {
			return Absent
		}
		return *ctx.Now
	}
	if ctx.Request.Body != nil {
		if v := walk(ctx.Request.Body, segments); !IsAbsent(v) {
			return v
		}
	}
	if ctx.Entity != nil {
		if v := walk(ctx.Entity, segments); !IsAbsent(v) {
			return v
		}
	}
	if ctx.Data != nil {
		return walk(ctx.Data, segments)
	}
	return Absent
}

func scalarOrAbsent(value string, tail []string) any {
	if value == "" || len(tail) > 0 {
		return Absent
	}
	return value
}

func lookupStringMap(values map[string]string, tail []string, fold bool) any {
	if len(tail) != 1 || values == nil {
		return Absent
	}
	if v, ok := values[tail[0]]; ok {
		return v
	}
	if fold {
		for k, v := range values {
			if strings.EqualFold(k, tail[0]) {
				return v
			}
		}
	}
	return Absent
}

func walk(current any, segments []string) any {
	for _, seg := range segments {
		switch typed := current.(type) {
		case map[string]any:
			next, ok := typed[seg]
			if !ok {
				return Absent
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(typed) {
				return Absent
			}
			current = typed[idx]
		default:
			return Absent
		}
	}
	return current
}

// splitPath splits a.b[0].c into [a b 0 c].
func splitPath(path string) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, evalError("empty path", OpField, path)
	}
	var out []string
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, evalError("malformed path", OpField, path)
		}
		for part != "" {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				out = append(out, part)
				break
			}
			if open > 0 {
				out = append(out, part[:open])
			}
			end := strings.IndexByte(part[open:], ']')
			if end < 0 {
				return nil, evalError("malformed path", OpField, path)
			}
			idx := part[open+1 : open+end]
			if _, err := strconv.Atoi(idx); err != nil {
				return nil, evalError("malformed path index", OpField, path)
			}
			out = append(out, idx)
			part = part[open+end+1:]
		}
	}
	return out, nil
}

func truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case string:
		return typed != ""
	case float64:
		return typed != 0
	case []any:
		return len(typed) > 0
	case map[string]any:
		return len(typed) > 0
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	return true
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := numericOperand(b); ok {
			return af == bf
		}
		return false
	}
	if bf, ok := toFloat64(b); ok {
		if af, ok := numericOperand(a); ok {
			return af == bf
		}
		return false
	}
	if ab, ok := a.(bool); ok {
		bb, ok := boolOperand(b)
		return ok && ab == bb
	}
	if bb, ok := b.(bool); ok {
		ab, ok := boolOperand(a)
		return ok && ab == bb
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := timeOperand(b)
		return ok && at.Equal(bt)
	}
	if bt, ok := b.(time.Time); ok {
		at, ok := timeOperand(a)
		return ok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}

func orderValues(a, b any) (int, error) {
	if af, ok := numericOperand(a); ok {
		if bf, ok := numericOperand(b); ok {
			return compareFloat(af, bf), nil
		}
	}
	if at, ok := timeOperand(a); ok {
		if bt, ok := timeOperand(b); ok {
			switch {
			case at.Before(bt):
				return -1, nil
			case at.After(bt):
				return 1, nil
			}
			return 0, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func numericOperand(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func boolOperand(v any) (bool, bool) {
	switch typed := v.(type) {
	case bool:
		return typed, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(typed))
		return b, err == nil
	}
	return false, false
}

func timeOperand(v any) (time.Time, bool) {
	switch typed := v.(type) {
	case time.Time:
		return typed, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(typed))
		return t, err == nil
	}
	return time.Time{}, false
}

func scalarString(v any) (string, bool) {
	switch typed := v.(type) {
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case time.Time:
		return typed.Format(time.RFC3339Nano), true
	}
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}
