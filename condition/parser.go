package condition

import (
	"strconv"
	"strings"
	"unicode"
)

// Parse builds a Condition tree from the text syntax:
//
//	payment.status == "captured" && exists(request.headers.x-request-id)
//	!(entity.total > 100) || request.query.force in ["yes", "true"]
//	$.order.items[0].sku
//
// Operators are ==, !=, <, <=, >, >=, contains, starts_with, ends_with,
// matches (or =~) and in, combined with &&/and, ||/or and !/not. A bare word
// without dots on the right of a comparison is read as a string. A lone
// field tests truthiness; a lone $.path tests presence in the request body.
// An empty text parses to nil, which always matches.
func Parse(text string) (*Condition, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	tokens, err := tokenize(text)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	c, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, parseError("unexpected token "+strconv.Quote(p.peek().text), text)
	}
	return c, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokNumber
	tokSymbol
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func tokenize(text string) ([]token, error) {
	var out []token
	runes := []rune(text)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '"' || r == '\'':
			end := i + 1
			var sb strings.Builder
			closed := false
			for end < len(runes) {
				if runes[end] == '\\' && end+1 < len(runes) {
					switch esc := runes[end+1]; esc {
					case 'n':
						sb.WriteRune('\n')
					case 't':
						sb.WriteRune('\t')
					default:
						sb.WriteRune(esc)
					}
					end += 2
					continue
				}
				if runes[end] == r {
					closed = true
					break
				}
				sb.WriteRune(runes[end])
				end++
			}
			if !closed {
				return nil, parseError("unterminated string", text)
			}
			out = append(out, token{kind: tokString, text: sb.String()})
			i = end + 1
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			end := i + 1
			for end < len(runes) {
				c := runes[end]
				exponentSign := (c == '-' || c == '+') && (runes[end-1] == 'e' || runes[end-1] == 'E')
				if !unicode.IsDigit(c) && c != '.' && c != 'e' && c != 'E' && !exponentSign {
					break
				}
				end++
			}
			lit := string(runes[i:end])
			num, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return nil, parseError("invalid number "+strconv.Quote(lit), text)
			}
			out = append(out, token{kind: tokNumber, text: lit, num: num})
			i = end
		case isWordStart(r):
			end := i + 1
			for end < len(runes) {
				c := runes[end]
				if isWordPart(c) {
					end++
					continue
				}
				// index suffix such as items[0]
				if c == '[' {
					stop := end + 1
					for stop < len(runes) && unicode.IsDigit(runes[stop]) {
						stop++
					}
					if stop > end+1 && stop < len(runes) && runes[stop] == ']' {
						end = stop + 1
						continue
					}
				}
				break
			}
			out = append(out, token{kind: tokWord, text: string(runes[i:end])})
			i = end
		default:
			sym := string(r)
			if i+1 < len(runes) {
				two := string(runes[i : i+2])
				switch two {
				case "==", "!=", "<=", ">=", "&&", "||", "=~":
					sym = two
				}
			}
			switch sym {
			case "==", "!=", "<=", ">=", "&&", "||", "=~", "<", ">", "!", "(", ")", "[", "]", ",":
			default:
				return nil, parseError("unexpected character "+strconv.Quote(sym), text)
			}
			out = append(out, token{kind: tokSymbol, text: sym})
			i += len([]rune(sym))
		}
	}
	return out, nil
}

func isWordStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '$'
}

func isWordPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' || r == '$'
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) isSymbol(text string) bool {
	t := p.peek()
	return !p.done() && t.kind == tokSymbol && t.text == text
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return !p.done() && t.kind == tokWord && strings.EqualFold(t.text, word)
}

func (p *parser) expectSymbol(text string) error {
	if !p.isSymbol(text) {
		return parseError("expected "+strconv.Quote(text), p.peek().text)
	}
	p.pos++
	return nil
}

func (p *parser) parseOr() (*Condition, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	args := []*Condition{left}
	for p.isSymbol("||") || p.isKeyword("or") {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return Or(args...), nil
}

func (p *parser) parseAnd() (*Condition, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	args := []*Condition{left}
	for p.isSymbol("&&") || p.isKeyword("and") {
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return And(args...), nil
}

func (p *parser) parseUnary() (*Condition, error) {
	if p.isSymbol("!") || p.isKeyword("not") {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (*Condition, error) {
	if p.done() {
		return nil, parseError("unexpected end of expression", "")
	}
	if p.isSymbol("(") {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	if p.isKeyword("exists") && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == tokSymbol && p.tokens[p.pos+1].text == "(" {
		p.pos += 2
		t := p.next()
		if t.kind != tokWord {
			return nil, parseError("exists expects a path", t.text)
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return Exists(bodyPath(t.text)), nil
	}

	left, err := p.parseOperand(false)
	if err != nil {
		return nil, err
	}
	op, ok := p.comparisonOp()
	if !ok {
		if left.Op == OpField && strings.HasPrefix(p.prevWord(), "$") {
			return Exists(left.Path), nil
		}
		return left, nil
	}
	right, err := p.parseOperand(true)
	if err != nil {
		return nil, err
	}
	return &Condition{Op: op, Args: []*Condition{left, right}}, nil
}

func (p *parser) prevWord() string {
	if p.pos == 0 {
		return ""
	}
	return p.tokens[p.pos-1].text
}

func (p *parser) comparisonOp() (Op, bool) {
	t := p.peek()
	if p.done() {
		return "", false
	}
	var op Op
	switch {
	case t.kind == tokSymbol:
		switch t.text {
		case "==":
			op = OpEq
		case "!=":
			op = OpNe
		case "<":
			op = OpLt
		case "<=":
			op = OpLte
		case ">":
			op = OpGt
		case ">=":
			op = OpGte
		case "=~":
			op = OpRegex
		}
	case t.kind == tokWord:
		switch strings.ToLower(t.text) {
		case "contains":
			op = OpContains
		case "starts_with":
			op = OpStartsWith
		case "ends_with":
			op = OpEndsWith
		case "matches":
			op = OpRegex
		case "in":
			op = OpIn
		}
	}
	if op == "" {
		return "", false
	}
	p.pos++
	return op, true
}

func (p *parser) parseOperand(rhs bool) (*Condition, error) {
	if p.done() {
		return nil, parseError("missing operand", "")
	}
	t := p.next()
	switch t.kind {
	case tokString:
		return Lit(t.text), nil
	case tokNumber:
		return Lit(t.num), nil
	case tokSymbol:
		if t.text == "[" {
			return p.parseList()
		}
		return nil, parseError("unexpected "+strconv.Quote(t.text), t.text)
	}
	switch strings.ToLower(t.text) {
	case "true":
		return Lit(true), nil
	case "false":
		return Lit(false), nil
	case "null", "nil":
		return Lit(nil), nil
	}
	if rhs && !strings.ContainsAny(t.text, ".[$") {
		return Lit(t.text), nil
	}
	return Field(bodyPath(t.text)), nil
}

func (p *parser) parseList() (*Condition, error) {
	var items []any
	for !p.isSymbol("]") {
		if p.done() {
			return nil, parseError("unterminated list", "")
		}
		item, err := p.parseOperand(true)
		if err != nil {
			return nil, err
		}
		if item.Op != OpLiteral {
			return nil, parseError("list items must be literals", item.Path)
		}
		items = append(items, item.Value)
		if p.isSymbol(",") {
			p.pos++
		}
	}
	p.pos++
	if items == nil {
		items = []any{}
	}
	return Lit(items), nil
}

// bodyPath maps the $.a.b shorthand onto request.body_json.a.b.
func bodyPath(path string) string {
	switch {
	case path == "$":
		return "request.body_json"
	case strings.HasPrefix(path, "$."):
		return "request.body_json." + strings.TrimPrefix(path, "$.")
	case strings.HasPrefix(path, "$["):
		return "request.body_json" + strings.TrimPrefix(path, "$")
	}
	return path
}

func parseError(message, near string) error {
	err := evalError("parse: "+message, "", "")
	if near != "" {
		err = err.WithMetadata(map[string]any{"near": near})
	}
	return err
}
