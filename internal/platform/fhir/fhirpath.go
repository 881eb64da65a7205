package fhir

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ============================================================================
// FHIRPathEngine: public API
// ============================================================================

// FHIRPathEngine evaluates FHIRPath expressions against FHIR data represented
// as map[string]interface{}. Expressions may reference environment variables
// (%name), which is how population expressions reach launch contexts,
// fetched resources and previously bound variables.
//
// Parsed expressions are cached, so a single engine should be shared.
type FHIRPathEngine struct {
	cache sync.Map // expression -> *astNode
}

// NewFHIRPathEngine creates a new FHIRPath evaluation engine.
func NewFHIRPathEngine() *FHIRPathEngine {
	return &FHIRPathEngine{}
}

// Evaluate evaluates a FHIRPath expression against a resource with no
// environment variables. An empty collection is returned when the path
// resolves to nothing.
func (e *FHIRPathEngine) Evaluate(resource map[string]interface{}, expression string) ([]interface{}, error) {
	if resource == nil {
		return []interface{}{}, nil
	}
	return e.EvaluateWithEnv(context.Background(), resource, expression, nil)
}

// EvaluateWithEnv evaluates expression with root as the focus and env as the
// set of %variables. A []interface{} bound in env is a collection; any other
// value is a singleton. root may be nil when the expression only reads
// variables.
func (e *FHIRPathEngine) EvaluateWithEnv(ctx context.Context, root interface{}, expression string, env map[string]interface{}) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ast, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	ec := &evalContext{ctx: ctx, root: root, env: env}
	var input []interface{}
	if root != nil {
		input = []interface{}{root}
	}
	result, err := ec.eval(ast, input)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: eval: %w", err)
	}
	if result == nil {
		result = []interface{}{}
	}
	return result, nil
}

// EvaluateBool evaluates a FHIRPath expression and converts the result to a
// boolean following the FHIRPath singleton-evaluation rules.
func (e *FHIRPathEngine) EvaluateBool(resource map[string]interface{}, expression string) (bool, error) {
	result, err := e.Evaluate(resource, expression)
	if err != nil {
		return false, err
	}
	return collectionToBool(result), nil
}

// EvaluateString evaluates a FHIRPath expression and returns the first result
// as a string. Returns "" for an empty collection.
func (e *FHIRPathEngine) EvaluateString(resource map[string]interface{}, expression string) (string, error) {
	result, err := e.Evaluate(resource, expression)
	if err != nil {
		return "", err
	}
	if len(result) == 0 {
		return "", nil
	}
	return StringifyValue(result[0]), nil
}

func (e *FHIRPathEngine) compile(expression string) (*astNode, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("fhirpath: empty expression")
	}
	if cached, ok := e.cache.Load(expression); ok {
		return cached.(*astNode), nil
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: tokenize: %w", err)
	}
	p := &parser{tokens: tokens}
	ast, err := p.parseExpression(0)
	if err != nil {
		return nil, fmt.Errorf("fhirpath: parse: %w", err)
	}
	if tok := p.peek(); tok.kind != tkEOF {
		return nil, fmt.Errorf("fhirpath: unexpected token %q at position %d", tok.value, tok.pos)
	}

	e.cache.Store(expression, ast)
	return ast, nil
}

// StringifyValue renders a FHIRPath result item the way it is substituted
// into strings: whole decimals without a fraction, dates in FHIR format.
func StringifyValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return FormatDateTime(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// FormatDateTime renders a time as a FHIR date when it has no time-of-day
// component and as a FHIR dateTime otherwise.
func FormatDateTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// ============================================================================
// Token types
// ============================================================================

type tokenKind int

const (
	tkIdent    tokenKind = iota // identifier or keyword
	tkNumber                    // integer or decimal
	tkString                    // 'single-quoted'
	tkDateTime                  // @2024-01-01 ...
	tkVariable                  // %name or %`name`
	tkDot                       // .
	tkLParen                    // (
	tkRParen                    // )
	tkLBrack                    // [
	tkRBrack                    // ]
	tkComma                     // ,
	tkEq                        // =
	tkNe                        // !=
	tkLt                        // <
	tkGt                        // >
	tkLe                        // <=
	tkGe                        // >=
	tkPipe                      // |
	tkPlus                      // +
	tkMinus                     // -
	tkStar                      // *
	tkSlash                     // /
	tkAmp                       // &
	tkEOF                       // end-of-input
)

type token struct {
	kind  tokenKind
	value string
	pos   int
}

// endsOperand reports whether a token can terminate an operand, in which case
// a following '-' is binary subtraction rather than a sign.
func (t token) endsOperand() bool {
	switch t.kind {
	case tkIdent, tkNumber, tkString, tkDateTime, tkVariable, tkRParen, tkRBrack:
		return true
	}
	return false
}

// ============================================================================
// Lexer / Tokenizer
// ============================================================================

func tokenize(input string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(input)

	prevEndsOperand := func() bool {
		return len(tokens) > 0 && tokens[len(tokens)-1].endsOperand()
	}

	for i < n {
		ch := input[i]

		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i

		switch {
		case ch == '.':
			tokens = append(tokens, token{tkDot, ".", start})
			i++
		case ch == '(':
			tokens = append(tokens, token{tkLParen, "(", start})
			i++
		case ch == ')':
			tokens = append(tokens, token{tkRParen, ")", start})
			i++
		case ch == '[':
			tokens = append(tokens, token{tkLBrack, "[", start})
			i++
		case ch == ']':
			tokens = append(tokens, token{tkRBrack, "]", start})
			i++
		case ch == ',':
			tokens = append(tokens, token{tkComma, ",", start})
			i++
		case ch == '|':
			tokens = append(tokens, token{tkPipe, "|", start})
			i++
		case ch == '=':
			tokens = append(tokens, token{tkEq, "=", start})
			i++
		case ch == '+':
			tokens = append(tokens, token{tkPlus, "+", start})
			i++
		case ch == '*':
			tokens = append(tokens, token{tkStar, "*", start})
			i++
		case ch == '/':
			tokens = append(tokens, token{tkSlash, "/", start})
			i++
		case ch == '&':
			tokens = append(tokens, token{tkAmp, "&", start})
			i++
		case ch == '!':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkNe, "!=", start})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected character '!' at position %d", start)
			}
		case ch == '<':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkLe, "<=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkLt, "<", start})
				i++
			}
		case ch == '>':
			if i+1 < n && input[i+1] == '=' {
				tokens = append(tokens, token{tkGe, ">=", start})
				i += 2
			} else {
				tokens = append(tokens, token{tkGt, ">", start})
				i++
			}
		case ch == '\'':
			s, next, err := readQuoted(input, i, '\'')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkString, s, start})
			i = next
		case ch == '`':
			s, next, err := readQuoted(input, i, '`')
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{tkIdent, s, start})
			i = next
		case ch == '%':
			i++
			if i < n && (input[i] == '`' || input[i] == '\'') {
				s, next, err := readQuoted(input, i, input[i])
				if err != nil {
					return nil, err
				}
				tokens = append(tokens, token{tkVariable, s, start})
				i = next
				continue
			}
			j := i
			for j < n && isIdentByte(input[j]) {
				j++
			}
			if j == i {
				return nil, fmt.Errorf("expected variable name after '%%' at position %d", start)
			}
			tokens = append(tokens, token{tkVariable, input[i:j], start})
			i = j
		case ch == '@':
			// @YYYY-MM-DD or @YYYY-MM-DDTHH:MM:SS...
			i++
			j := i
			for j < n && (input[j] == '-' || input[j] == ':' || input[j] == 'T' ||
				input[j] == '+' || input[j] == 'Z' || (input[j] >= '0' && input[j] <= '9') || input[j] == '.') {
				j++
			}
			tokens = append(tokens, token{tkDateTime, input[i:j], start})
			i = j
		case ch == '-' && (prevEndsOperand() || i+1 >= n || input[i+1] < '0' || input[i+1] > '9'):
			tokens = append(tokens, token{tkMinus, "-", start})
			i++
		case ch == '-' || (ch >= '0' && ch <= '9'):
			j := i
			if ch == '-' {
				j++
			}
			for j < n && input[j] >= '0' && input[j] <= '9' {
				j++
			}
			// A '.' followed by a digit is a decimal point, otherwise navigation.
			if j+1 < n && input[j] == '.' && input[j+1] >= '0' && input[j+1] <= '9' {
				j++
				for j < n && input[j] >= '0' && input[j] <= '9' {
					j++
				}
			}
			tokens = append(tokens, token{tkNumber, input[i:j], start})
			i = j
		case ch == '$' || ch == '_' || unicode.IsLetter(rune(ch)):
			j := i + 1
			for j < n && isIdentByte(input[j]) {
				j++
			}
			tokens = append(tokens, token{tkIdent, input[i:j], start})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(ch), start)
		}
	}

	tokens = append(tokens, token{tkEOF, "", n})
	return tokens, nil
}

func isIdentByte(b byte) bool {
	return b == '_' || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

// readQuoted reads a quote-delimited literal starting at input[i] and returns
// its unescaped contents and the index just past the closing quote.
func readQuoted(input string, i int, quote byte) (string, int, error) {
	start := i
	n := len(input)
	i++
	var sb strings.Builder
	for i < n && input[i] != quote {
		if input[i] == '\\' && i+1 < n {
			i++
			switch input[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			default:
				sb.WriteByte(input[i])
			}
		} else {
			sb.WriteByte(input[i])
		}
		i++
	}
	if i >= n {
		return "", 0, fmt.Errorf("unterminated literal at position %d", start)
	}
	return sb.String(), i + 1, nil
}

// ============================================================================
// AST node types
// ============================================================================

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, number, bool, datetime
	ndPath                     // identifier (field name or resource type)
	ndVariable                 // %name
	ndDot                      // a.b
	ndIndex                    // a[n]
	ndFunction                 // a.fn(args...)
	ndCompare                  // a op b  (=, !=, <, >, <=, >=)
	ndAnd                      // a and b
	ndOr                       // a or b
	ndXor                      // a xor b
	ndImplies                  // a implies b
	ndUnion                    // a | b
	ndArith                    // a op b  (+, -, *, /, div, mod)
	ndConcat                   // a & b
	ndNegate                   // unary minus
)

type astNode struct {
	kind     nodeKind
	value    interface{} // literal value, identifier, function or operator name
	children []*astNode  // operands / arguments
	implicit bool        // function called without a receiver, applies to the focus
}

// ============================================================================
// Parser: precedence climbing
// ============================================================================

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return token{kind: tkEOF, pos: -1}
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.advance()
	if t.kind != kind {
		return t, fmt.Errorf("expected token kind %d but got %q at position %d", kind, t.value, t.pos)
	}
	return t, nil
}

// Operator precedence (lowest to highest):
//   implies        (1)
//   or xor         (2)
//   and            (3)
//   |              (4)
//   = != < > <= >= (5)
//   + - &          (6)
//   * / div mod    (7)
//   unary, . [] () bind tighter than any infix operator

func (p *parser) parseExpression(minPrec int) (*astNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		prec, kind, op := infixInfo(p.peek())
		if prec < minPrec || prec < 0 {
			break
		}
		p.advance()
		right, err := p.parseExpression(prec + 1)
		if err != nil {
			return nil, err
		}
		left = &astNode{kind: kind, value: op, children: []*astNode{left, right}}
	}
	return left, nil
}

func infixInfo(tok token) (int, nodeKind, string) {
	switch tok.kind {
	case tkIdent:
		switch tok.value {
		case "implies":
			return 1, ndImplies, "implies"
		case "or":
			return 2, ndOr, "or"
		case "xor":
			return 2, ndXor, "xor"
		case "and":
			return 3, ndAnd, "and"
		case "div":
			return 7, ndArith, "div"
		case "mod":
			return 7, ndArith, "mod"
		}
	case tkPipe:
		return 4, ndUnion, "|"
	case tkEq, tkNe, tkLt, tkGt, tkLe, tkGe:
		return 5, ndCompare, tok.value
	case tkPlus, tkMinus:
		return 6, ndArith, tok.value
	case tkAmp:
		return 6, ndConcat, "&"
	case tkStar, tkSlash:
		return 7, ndArith, tok.value
	}
	return -1, 0, ""
}

func (p *parser) parseUnary() (*astNode, error) {
	switch p.peek().kind {
	case tkMinus:
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &astNode{kind: ndNegate, children: []*astNode{operand}}, nil
	case tkPlus:
		p.advance()
		return p.parseUnary()
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (*astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		switch tok.kind {
		case tkDot:
			p.advance()
			next := p.peek()
			if next.kind != tkIdent {
				return nil, fmt.Errorf("expected identifier after '.' at position %d", next.pos)
			}
			ident := p.advance()

			if p.peek().kind == tkLParen {
				p.advance()
				args, err := p.parseArgList()
				if err != nil {
					return nil, err
				}
				if _, err := p.expect(tkRParen); err != nil {
					return nil, err
				}
				node = &astNode{
					kind:     ndFunction,
					value:    ident.value,
					children: append([]*astNode{node}, args...),
				}
			} else {
				right := &astNode{kind: ndPath, value: ident.value}
				node = &astNode{kind: ndDot, children: []*astNode{node, right}}
			}
		case tkLBrack:
			p.advance()
			idx, err := p.parseExpression(0)
			if err != nil {
				return nil, fmt.Errorf("index at position %d: %w", tok.pos, err)
			}
			if _, err := p.expect(tkRBrack); err != nil {
				return nil, err
			}
			node = &astNode{kind: ndIndex, children: []*astNode{node, idx}}
		default:
			return node, nil
		}
	}
}

func (p *parser) parsePrimary() (*astNode, error) {
	tok := p.peek()

	switch tok.kind {
	case tkLParen:
		p.advance()
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tkRParen); err != nil {
			return nil, err
		}
		return inner, nil

	case tkString:
		p.advance()
		return &astNode{kind: ndLiteral, value: tok.value}, nil

	case tkNumber:
		p.advance()
		if strings.Contains(tok.value, ".") {
			f, err := strconv.ParseFloat(tok.value, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid decimal %q at position %d", tok.value, tok.pos)
			}
			return &astNode{kind: ndLiteral, value: f}, nil
		}
		i, err := strconv.ParseInt(tok.value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q at position %d", tok.value, tok.pos)
		}
		return &astNode{kind: ndLiteral, value: i}, nil

	case tkDateTime:
		p.advance()
		t, err := parseDateTimeLiteral(tok.value)
		if err != nil {
			return nil, fmt.Errorf("invalid datetime %q at position %d: %w", tok.value, tok.pos, err)
		}
		return &astNode{kind: ndLiteral, value: t}, nil

	case tkVariable:
		p.advance()
		return &astNode{kind: ndVariable, value: tok.value}, nil

	case tkIdent:
		p.advance()
		name := tok.value

		switch name {
		case "true":
			return &astNode{kind: ndLiteral, value: true}, nil
		case "false":
			return &astNode{kind: ndLiteral, value: false}, nil
		}

		if p.peek().kind == tkLParen {
			p.advance()
			args, err := p.parseArgList()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tkRParen); err != nil {
				return nil, err
			}
			return &astNode{
				kind:     ndFunction,
				value:    name,
				children: args,
				implicit: true,
			}, nil
		}

		return &astNode{kind: ndPath, value: name}, nil

	case tkEOF:
		return nil, fmt.Errorf("unexpected end of expression")

	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", tok.value, tok.pos)
	}
}

func (p *parser) parseArgList() ([]*astNode, error) {
	var args []*astNode
	if p.peek().kind == tkRParen {
		return args, nil
	}
	for {
		arg, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.peek().kind != tkComma {
			break
		}
		p.advance()
	}
	return args, nil
}

// ============================================================================
// Evaluator
// ============================================================================

type evalContext struct {
	ctx  context.Context
	root interface{}
	env  map[string]interface{}
}

func (ec *evalContext) eval(node *astNode, input []interface{}) ([]interface{}, error) {
	if node == nil {
		return input, nil
	}
	switch node.kind {
	case ndLiteral:
		return []interface{}{node.value}, nil

	case ndPath:
		return ec.evalPath(node, input)

	case ndVariable:
		return ec.evalVariable(node.value.(string))

	case ndDot:
		left, err := ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ec.eval(node.children[1], left)

	case ndIndex:
		coll, err := ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idxColl, err := ec.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		if len(idxColl) == 0 {
			return []interface{}{}, nil
		}
		f, ok := toNumber(idxColl[0])
		if !ok {
			return nil, fmt.Errorf("index must be an integer, got %v", idxColl[0])
		}
		coll = flattenCollection(coll)
		idx := int(f)
		if idx < 0 || idx >= len(coll) {
			return []interface{}{}, nil
		}
		return []interface{}{coll[idx]}, nil

	case ndFunction:
		return ec.evalFunction(node, input)

	case ndCompare:
		return ec.evalCompare(node, input)

	case ndAnd:
		return ec.evalAnd(node, input)

	case ndOr:
		return ec.evalOr(node, input)

	case ndXor:
		l, r, err := ec.evalBoth(node, input)
		if err != nil {
			return nil, err
		}
		if len(l) == 0 || len(r) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{collectionToBool(l) != collectionToBool(r)}, nil

	case ndImplies:
		return ec.evalImplies(node, input)

	case ndUnion:
		return ec.evalUnion(node, input)

	case ndArith:
		return ec.evalArith(node, input)

	case ndConcat:
		l, r, err := ec.evalBoth(node, input)
		if err != nil {
			return nil, err
		}
		var ls, rs string
		if len(l) > 0 {
			ls = StringifyValue(l[0])
		}
		if len(r) > 0 {
			rs = StringifyValue(r[0])
		}
		return []interface{}{ls + rs}, nil

	case ndNegate:
		coll, err := ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if len(coll) == 0 {
			return []interface{}{}, nil
		}
		switch v := coll[0].(type) {
		case int64:
			return []interface{}{-v}, nil
		case float64:
			return []interface{}{-v}, nil
		}
		return nil, fmt.Errorf("cannot negate %T", coll[0])

	default:
		return nil, fmt.Errorf("unknown node kind %d", node.kind)
	}
}

func (ec *evalContext) evalBoth(node *astNode, input []interface{}) ([]interface{}, []interface{}, error) {
	l, err := ec.eval(node.children[0], input)
	if err != nil {
		return nil, nil, err
	}
	r, err := ec.eval(node.children[1], input)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

// evalVariable resolves %name. The FHIRPath-defined constants are available
// unless shadowed by the environment.
func (ec *evalContext) evalVariable(name string) ([]interface{}, error) {
	if v, ok := ec.env[name]; ok {
		switch x := v.(type) {
		case nil:
			return []interface{}{}, nil
		case []interface{}:
			return flattenCollection(x), nil
		default:
			return []interface{}{x}, nil
		}
	}
	switch name {
	case "context":
		if ec.root == nil {
			return []interface{}{}, nil
		}
		return []interface{}{ec.root}, nil
	case "ucum":
		return []interface{}{"http://unitsofmeasure.org"}, nil
	case "sct":
		return []interface{}{"http://snomed.info/sct"}, nil
	case "loinc":
		return []interface{}{"http://loinc.org"}, nil
	}
	return nil, fmt.Errorf("undefined environment variable %%%s", name)
}

// evalPath resolves an identifier against the input collection. Names that
// look like resource types filter the input by resourceType.
func (ec *evalContext) evalPath(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	switch name {
	case "$this":
		return input, nil
	case "$total", "$index":
		return nil, fmt.Errorf("%s is not supported", name)
	}

	if isResourceTypeName(name) {
		var result []interface{}
		for _, item := range input {
			if m, ok := item.(map[string]interface{}); ok {
				if rt, _ := m["resourceType"].(string); rt == name {
					result = append(result, m)
				}
			}
		}
		return result, nil
	}

	var result []interface{}
	for _, item := range input {
		result = append(result, navigateField(item, name)...)
	}
	return result, nil
}

// navigateField extracts a named field from a value. A missing field falls
// back to the choice-type form, so "value" reaches "valueQuantity".
func navigateField(item interface{}, field string) []interface{} {
	m, ok := item.(map[string]interface{})
	if !ok {
		return nil
	}
	val, ok := m[field]
	if !ok {
		val, ok = choiceField(m, field)
		if !ok {
			return nil
		}
	}
	if arr, isArr := val.([]interface{}); isArr {
		return arr
	}
	return []interface{}{val}
}

func choiceField(m map[string]interface{}, field string) (interface{}, bool) {
	for k, v := range m {
		if len(k) > len(field) && strings.HasPrefix(k, field) && unicode.IsUpper(rune(k[len(field)])) {
			return v, true
		}
	}
	return nil, false
}

func flattenCollection(coll []interface{}) []interface{} {
	out := make([]interface{}, 0, len(coll))
	for _, item := range coll {
		if arr, ok := item.([]interface{}); ok {
			out = append(out, arr...)
		} else {
			out = append(out, item)
		}
	}
	return out
}

// ============================================================================
// Comparison
// ============================================================================

func (ec *evalContext) evalCompare(node *astNode, input []interface{}) ([]interface{}, error) {
	op, _ := node.value.(string)
	leftColl, rightColl, err := ec.evalBoth(node, input)
	if err != nil {
		return nil, err
	}

	// Either side empty yields empty.
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []interface{}{}, nil
	}

	result, err := compareValues(leftColl[0], rightColl[0], op)
	if err != nil {
		return nil, err
	}
	return []interface{}{result}, nil
}

func compareValues(lv, rv interface{}, op string) (bool, error) {
	ln, lok := toNumber(lv)
	rn, rok := toNumber(rv)
	if lok && rok {
		return compareNumbers(ln, rn, op), nil
	}

	lb, lbOk := lv.(bool)
	rb, rbOk := rv.(bool)
	if lbOk && rbOk {
		switch op {
		case "=":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, nil
	}

	lt, ltOk := asTime(lv)
	rt, rtOk := asTime(rv)
	if ltOk && rtOk {
		return compareTimes(lt, rt, op), nil
	}

	ls := StringifyValue(lv)
	rs := StringifyValue(rv)

	switch op {
	case "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case ">":
		return ls > rs, nil
	case "<=":
		return ls <= rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

// asTime accepts time values and, when the other side is a time, FHIR date
// strings read from resources.
func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if len(t) >= 4 && t[0] >= '0' && t[0] <= '9' {
			if parsed, err := parseDateTimeLiteral(t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func compareNumbers(l, r float64, op string) bool {
	switch op {
	case "=":
		return l == r
	case "!=":
		return l != r
	case "<":
		return l < r
	case ">":
		return l > r
	case "<=":
		return l <= r
	case ">=":
		return l >= r
	}
	return false
}

func compareTimes(l, r time.Time, op string) bool {
	switch op {
	case "=":
		return l.Equal(r)
	case "!=":
		return !l.Equal(r)
	case "<":
		return l.Before(r)
	case ">":
		return l.After(r)
	case "<=":
		return !l.After(r)
	case ">=":
		return !l.Before(r)
	}
	return false
}

// ============================================================================
// Arithmetic
// ============================================================================

func (ec *evalContext) evalArith(node *astNode, input []interface{}) ([]interface{}, error) {
	op := node.value.(string)
	leftColl, rightColl, err := ec.evalBoth(node, input)
	if err != nil {
		return nil, err
	}
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []interface{}{}, nil
	}
	lv, rv := leftColl[0], rightColl[0]

	if op == "+" {
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if lok && rok {
			return []interface{}{ls + rs}, nil
		}
	}

	li, lInt := lv.(int64)
	ri, rInt := rv.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return []interface{}{li + ri}, nil
		case "-":
			return []interface{}{li - ri}, nil
		case "*":
			return []interface{}{li * ri}, nil
		case "div":
			if ri == 0 {
				return []interface{}{}, nil
			}
			return []interface{}{li / ri}, nil
		case "mod":
			if ri == 0 {
				return []interface{}{}, nil
			}
			return []interface{}{li % ri}, nil
		}
	}

	l, lok := toNumber(lv)
	r, rok := toNumber(rv)
	if !lok || !rok {
		return nil, fmt.Errorf("operator %s is not defined for %T and %T", op, lv, rv)
	}
	switch op {
	case "+":
		return []interface{}{l + r}, nil
	case "-":
		return []interface{}{l - r}, nil
	case "*":
		return []interface{}{l * r}, nil
	case "/":
		if r == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{l / r}, nil
	case "div":
		if r == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{int64(l / r)}, nil
	case "mod":
		if r == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{math.Mod(l, r)}, nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

// ============================================================================
// Logical operators
// ============================================================================

func (ec *evalContext) evalAnd(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ec.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !collectionToBool(leftColl) {
		return []interface{}{false}, nil
	}
	rightColl, err := ec.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{collectionToBool(rightColl)}, nil
}

func (ec *evalContext) evalOr(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ec.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if collectionToBool(leftColl) {
		return []interface{}{true}, nil
	}
	rightColl, err := ec.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{collectionToBool(rightColl)}, nil
}

func (ec *evalContext) evalImplies(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, err := ec.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !collectionToBool(leftColl) {
		return []interface{}{true}, nil
	}
	rightColl, err := ec.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []interface{}{collectionToBool(rightColl)}, nil
}

func (ec *evalContext) evalUnion(node *astNode, input []interface{}) ([]interface{}, error) {
	leftColl, rightColl, err := ec.evalBoth(node, input)
	if err != nil {
		return nil, err
	}
	return distinct(append(append([]interface{}{}, leftColl...), rightColl...)), nil
}

func distinct(coll []interface{}) []interface{} {
	seen := make(map[string]bool)
	result := make([]interface{}, 0, len(coll))
	for _, v := range coll {
		key := fmt.Sprintf("%T:%v", v, v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result
}

// ============================================================================
// Function evaluation
// ============================================================================

func (ec *evalContext) evalFunction(node *astNode, input []interface{}) ([]interface{}, error) {
	name := node.value.(string)

	if err := ec.ctx.Err(); err != nil {
		return nil, err
	}

	if node.implicit && isStandaloneFunction(name) {
		return ec.evalStandaloneFunction(name, node.children, input)
	}

	// Method-style calls carry the receiver as children[0]; implicit calls
	// apply to the current focus.
	var receiverColl []interface{}
	args := node.children
	if !node.implicit {
		var err error
		receiverColl, err = ec.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		args = node.children[1:]
	} else {
		receiverColl = input
	}

	switch name {
	case "where":
		return ec.fnWhere(receiverColl, args)
	case "exists":
		return ec.fnExists(receiverColl, args)
	case "all":
		return ec.fnAll(receiverColl, args)
	case "count":
		return []interface{}{int64(len(receiverColl))}, nil
	case "first":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{receiverColl[0]}, nil
	case "last":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{receiverColl[len(receiverColl)-1]}, nil
	case "tail":
		if len(receiverColl) <= 1 {
			return []interface{}{}, nil
		}
		return receiverColl[1:], nil
	case "skip", "take":
		return ec.fnSlice(name, receiverColl, args, input)
	case "single":
		switch len(receiverColl) {
		case 0:
			return []interface{}{}, nil
		case 1:
			return receiverColl, nil
		}
		return nil, fmt.Errorf("single() called on a collection of %d items", len(receiverColl))
	case "empty":
		return []interface{}{len(receiverColl) == 0}, nil
	case "distinct":
		return distinct(receiverColl), nil
	case "select":
		return ec.fnSelect(receiverColl, args)
	case "ofType":
		return ec.fnOfType(receiverColl, args)
	case "hasValue":
		return []interface{}{len(receiverColl) == 1 && receiverColl[0] != nil}, nil
	case "not":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{!collectionToBool(receiverColl)}, nil
	case "trace":
		return receiverColl, nil

	case "startsWith":
		return ec.fnStringPredicate(receiverColl, args, input, strings.HasPrefix)
	case "endsWith":
		return ec.fnStringPredicate(receiverColl, args, input, strings.HasSuffix)
	case "contains":
		return ec.fnStringPredicate(receiverColl, args, input, strings.Contains)
	case "matches":
		return ec.fnMatches(receiverColl, args, input)
	case "length":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{int64(len(StringifyValue(receiverColl[0])))}, nil
	case "upper":
		return stringTransform(receiverColl, strings.ToUpper), nil
	case "lower":
		return stringTransform(receiverColl, strings.ToLower), nil
	case "trim":
		return stringTransform(receiverColl, strings.TrimSpace), nil
	case "replace":
		return ec.fnReplace(receiverColl, args, input)
	case "substring":
		return ec.fnSubstring(receiverColl, args, input)
	case "join":
		return ec.fnJoin(receiverColl, args, input)

	case "toString":
		if len(receiverColl) == 0 {
			return []interface{}{}, nil
		}
		return []interface{}{StringifyValue(receiverColl[0])}, nil
	case "toInteger":
		return fnToInteger(receiverColl), nil
	case "toDecimal":
		return fnToDecimal(receiverColl), nil

	case "is":
		return ec.fnIs(receiverColl, args)
	case "as":
		return ec.fnAs(receiverColl, args)

	case "abs":
		return fnMathUnary(receiverColl, math.Abs), nil
	case "ceiling":
		return fnMathUnary(receiverColl, math.Ceil), nil
	case "floor":
		return fnMathUnary(receiverColl, math.Floor), nil
	case "round":
		return fnMathUnary(receiverColl, math.Round), nil

	case "toDate", "toDateTime":
		return fnToDateTime(receiverColl), nil

	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func isStandaloneFunction(name string) bool {
	switch name {
	case "now", "today", "iif":
		return true
	}
	return false
}

func (ec *evalContext) evalStandaloneFunction(name string, args []*astNode, input []interface{}) ([]interface{}, error) {
	switch name {
	case "now":
		return []interface{}{time.Now().UTC()}, nil
	case "today":
		now := time.Now()
		return []interface{}{time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)}, nil
	case "iif":
		return ec.fnIif(args, input)
	}
	return nil, fmt.Errorf("unknown standalone function %q", name)
}

// ============================================================================
// Collection functions
// ============================================================================

func (ec *evalContext) fnWhere(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	result := []interface{}{}
	for _, item := range coll {
		val, err := ec.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (ec *evalContext) fnExists(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{len(coll) > 0}, nil
	}
	for _, item := range coll {
		val, err := ec.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			return []interface{}{true}, nil
		}
	}
	return []interface{}{false}, nil
}

func (ec *evalContext) fnAll(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return []interface{}{true}, nil
	}
	for _, item := range coll {
		val, err := ec.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		if !collectionToBool(val) {
			return []interface{}{false}, nil
		}
	}
	return []interface{}{true}, nil
}

func (ec *evalContext) fnSelect(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	result := []interface{}{}
	for _, item := range coll {
		val, err := ec.eval(args[0], []interface{}{item})
		if err != nil {
			return nil, err
		}
		result = append(result, val...)
	}
	return result, nil
}

func (ec *evalContext) fnSlice(name string, coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s() requires an argument", name)
	}
	nColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(nColl) == 0 {
		return []interface{}{}, nil
	}
	f, ok := toNumber(nColl[0])
	if !ok {
		return nil, fmt.Errorf("%s() requires an integer", name)
	}
	n := int(f)
	if n < 0 {
		n = 0
	}
	if n > len(coll) {
		n = len(coll)
	}
	if name == "skip" {
		return coll[n:], nil
	}
	return coll[:n], nil
}

func (ec *evalContext) fnOfType(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(args) == 0 {
		return coll, nil
	}
	typeName := typeArgName(args[0])
	result := []interface{}{}
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result, nil
}

func typeArgName(arg *astNode) string {
	switch arg.kind {
	case ndPath:
		return arg.value.(string)
	case ndDot:
		// FHIR.Quantity, System.String
		return typeArgName(arg.children[1])
	case ndLiteral:
		return fmt.Sprintf("%v", arg.value)
	}
	return ""
}

// ============================================================================
// String functions
// ============================================================================

func (ec *evalContext) fnStringPredicate(coll []interface{}, args []*astNode, input []interface{}, fn func(string, string) bool) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	argColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []interface{}{}, nil
	}
	return []interface{}{fn(StringifyValue(coll[0]), StringifyValue(argColl[0]))}, nil
}

func (ec *evalContext) fnMatches(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	argColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []interface{}{}, nil
	}
	pattern := StringifyValue(argColl[0])
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	return []interface{}{re.MatchString(StringifyValue(coll[0]))}, nil
}

func stringTransform(coll []interface{}, fn func(string) string) []interface{} {
	if len(coll) == 0 {
		return []interface{}{}
	}
	return []interface{}{fn(StringifyValue(coll[0]))}
}

func (ec *evalContext) fnReplace(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) < 2 {
		return []interface{}{}, nil
	}
	patternColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	replacementColl, err := ec.eval(args[1], input)
	if err != nil {
		return nil, err
	}
	if len(patternColl) == 0 || len(replacementColl) == 0 {
		return coll, nil
	}
	s := StringifyValue(coll[0])
	return []interface{}{strings.ReplaceAll(s, StringifyValue(patternColl[0]), StringifyValue(replacementColl[0]))}, nil
}

func (ec *evalContext) fnSubstring(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	startColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(startColl) == 0 {
		return []interface{}{}, nil
	}
	s := StringifyValue(coll[0])
	startF, ok := toNumber(startColl[0])
	if !ok {
		return []interface{}{}, nil
	}
	start := int(startF)
	if start < 0 || start >= len(s) {
		return []interface{}{}, nil
	}

	if len(args) >= 2 {
		lenColl, err := ec.eval(args[1], input)
		if err != nil {
			return nil, err
		}
		if len(lenColl) > 0 {
			if lenF, ok := toNumber(lenColl[0]); ok {
				end := start + int(lenF)
				if end > len(s) {
					end = len(s)
				}
				return []interface{}{s[start:end]}, nil
			}
		}
	}
	return []interface{}{s[start:]}, nil
}

func (ec *evalContext) fnJoin(coll []interface{}, args []*astNode, input []interface{}) ([]interface{}, error) {
	sep := ""
	if len(args) > 0 {
		sepColl, err := ec.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if len(sepColl) > 0 {
			sep = StringifyValue(sepColl[0])
		}
	}
	parts := make([]string, 0, len(coll))
	for _, v := range coll {
		parts = append(parts, StringifyValue(v))
	}
	return []interface{}{strings.Join(parts, sep)}, nil
}

// ============================================================================
// Conversion and type functions
// ============================================================================

func fnToInteger(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return []interface{}{}
	}
	switch v := coll[0].(type) {
	case int64:
		return []interface{}{v}
	case float64:
		if v == math.Trunc(v) {
			return []interface{}{int64(v)}
		}
	case bool:
		if v {
			return []interface{}{int64(1)}
		}
		return []interface{}{int64(0)}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return []interface{}{i}
		}
	}
	return []interface{}{}
}

func fnToDecimal(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return []interface{}{}
	}
	switch v := coll[0].(type) {
	case int64:
		return []interface{}{float64(v)}
	case float64:
		return []interface{}{v}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return []interface{}{f}
		}
	}
	return []interface{}{}
}

func (ec *evalContext) fnIs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{false}, nil
	}
	return []interface{}{matchesType(coll[0], typeArgName(args[0]))}, nil
}

func (ec *evalContext) fnAs(coll []interface{}, args []*astNode) ([]interface{}, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []interface{}{}, nil
	}
	return ec.fnOfType(coll, args)
}

func matchesType(v interface{}, typeName string) bool {
	switch strings.ToLower(typeName) {
	case "string":
		_, ok := v.(string)
		return ok
	case "integer", "int":
		switch v.(type) {
		case int, int64, int32:
			return true
		}
		return false
	case "decimal", "float":
		_, ok := v.(float64)
		return ok
	case "boolean", "bool":
		_, ok := v.(bool)
		return ok
	case "date", "datetime":
		_, ok := v.(time.Time)
		return ok
	case "quantity":
		m, ok := v.(map[string]interface{})
		if !ok {
			return false
		}
		_, hasValue := m["value"]
		return hasValue && m["resourceType"] == nil
	case "coding":
		m, ok := v.(map[string]interface{})
		if !ok {
			return false
		}
		_, hasCode := m["code"]
		return hasCode && m["resourceType"] == nil
	default:
		if m, ok := v.(map[string]interface{}); ok {
			rt, _ := m["resourceType"].(string)
			return rt == typeName
		}
		return false
	}
}

func fnMathUnary(coll []interface{}, fn func(float64) float64) []interface{} {
	if len(coll) == 0 {
		return []interface{}{}
	}
	f, ok := toNumber(coll[0])
	if !ok {
		return []interface{}{}
	}
	result := fn(f)
	if result == math.Trunc(result) && !math.IsInf(result, 0) && !math.IsNaN(result) {
		return []interface{}{int64(result)}
	}
	return []interface{}{result}
}

func fnToDateTime(coll []interface{}) []interface{} {
	if len(coll) == 0 {
		return []interface{}{}
	}
	switch v := coll[0].(type) {
	case time.Time:
		return []interface{}{v}
	case string:
		if t, err := parseDateTimeLiteral(v); err == nil {
			return []interface{}{t}
		}
	}
	return []interface{}{}
}

func (ec *evalContext) fnIif(args []*astNode, input []interface{}) ([]interface{}, error) {
	if len(args) < 2 {
		return []interface{}{}, nil
	}
	condColl, err := ec.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if collectionToBool(condColl) {
		return ec.eval(args[1], input)
	}
	if len(args) >= 3 {
		return ec.eval(args[2], input)
	}
	return []interface{}{}, nil
}

// ============================================================================
// Utility functions
// ============================================================================

// collectionToBool converts a FHIRPath collection to a boolean value following
// the FHIRPath singleton-evaluation of collections to booleans:
//   - empty → false
//   - single boolean → that boolean value
//   - single non-boolean non-nil → true
//   - multiple items → true (non-empty)
func collectionToBool(coll []interface{}) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		switch v := coll[0].(type) {
		case bool:
			return v
		case nil:
			return false
		default:
			return true
		}
	}
	return true
}

// isResourceTypeName returns true if the name looks like a FHIR resource type
// (starts with uppercase).
func isResourceTypeName(name string) bool {
	if len(name) == 0 {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

// parseDateTimeLiteral parses various date/datetime string formats.
func parseDateTimeLiteral(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z07:00",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime %q", s)
}
