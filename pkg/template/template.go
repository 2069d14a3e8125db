// Package template compiles {{...}} placeholder templates used in node
// configuration into an AST once, at validation time, and evaluates them
// against the run environment at execution time. Supported expressions:
// dotted path lookups, helper calls (date arithmetic, formatting, numeric
// helpers) and {{#if path}}...{{/if}} conditional blocks for templated text.
package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
	ifPrefix   = "#if"
	endIfTag   = "/if"
)

// ErrUnresolved is returned by Value when a referenced path cannot be
// resolved. Callers feeding control flow (condition fields, loop data
// sources) must treat it as fatal; text rendering degrades to an empty
// substitution instead.
var ErrUnresolved = errors.New("unresolved reference")

// Template is a compiled template, safe for concurrent evaluation.
type Template struct {
	source string
	nodes  []node
}

type node interface {
	render(sb *strings.Builder, env Env) error
}

type textNode struct {
	text string
}

func (n textNode) render(sb *strings.Builder, _ Env) error {
	sb.WriteString(n.text)

	return nil
}

type exprNode struct {
	expr expression
}

func (n exprNode) render(sb *strings.Builder, env Env) error {
	value, err := n.expr.eval(env)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			return nil // optional content degrades to empty
		}

		return err
	}

	sb.WriteString(stringify(value))

	return nil
}

type ifNode struct {
	cond expression
	body []node
}

func (n ifNode) render(sb *strings.Builder, env Env) error {
	value, err := n.cond.eval(env)
	if err != nil && !errors.Is(err, ErrUnresolved) {
		return err
	}

	if !Truthy(value) {
		return nil
	}

	for _, child := range n.body {
		if err := child.render(sb, env); err != nil {
			return err
		}
	}

	return nil
}

// Compile parses a template string into its AST form.
func Compile(source string) (*Template, error) {
	parser := &parser{source: source}

	nodes, err := parser.parseUntil("")
	if err != nil {
		return nil, fmt.Errorf("failed to compile template %q: %w", source, err)
	}

	return &Template{source: source, nodes: nodes}, nil
}

// HasExpressions reports whether a string contains any template tokens.
func HasExpressions(source string) bool {
	return strings.Contains(source, openDelim)
}

// Source returns the original template string.
func (t *Template) Source() string {
	return t.source
}

// Render evaluates the template to a string. Unresolvable references in text
// position render as empty rather than failing, so optional content blocks
// degrade gracefully.
func (t *Template) Render(env Env) (string, error) {
	var sb strings.Builder

	for _, n := range t.nodes {
		if err := n.render(&sb, env); err != nil {
			return "", fmt.Errorf("failed to render template %q: %w", t.source, err)
		}
	}

	return sb.String(), nil
}

// Value evaluates the template preserving the value's type when the whole
// template is a single expression: "{{items}}" yields the bound slice, not
// its string form. Unresolved references are reported as ErrUnresolved.
// Templates mixing text and expressions evaluate to their rendered string.
func (t *Template) Value(env Env) (any, error) {
	if len(t.nodes) == 1 {
		if expr, ok := t.nodes[0].(exprNode); ok {
			return expr.expr.eval(env)
		}
	}

	return t.Render(env)
}

// Render is a convenience for one-shot compile-and-render.
func Render(source string, env Env) (string, error) {
	tmpl, err := Compile(source)
	if err != nil {
		return "", err
	}

	return tmpl.Render(env)
}

// Value is a convenience for one-shot compile-and-evaluate.
func Value(source string, env Env) (any, error) {
	tmpl, err := Compile(source)
	if err != nil {
		return nil, err
	}

	return tmpl.Value(env)
}

type parser struct {
	source string
	pos    int
}

// parseUntil consumes nodes until the given closing tag ("/if") or end of
// input when terminator is empty.
func (p *parser) parseUntil(terminator string) ([]node, error) {
	var nodes []node

	for p.pos < len(p.source) {
		open := strings.Index(p.source[p.pos:], openDelim)
		if open < 0 {
			nodes = append(nodes, textNode{text: p.source[p.pos:]})
			p.pos = len(p.source)

			break
		}

		if open > 0 {
			nodes = append(nodes, textNode{text: p.source[p.pos : p.pos+open]})
		}

		p.pos += open + len(openDelim)

		closing := strings.Index(p.source[p.pos:], closeDelim)
		if closing < 0 {
			return nil, fmt.Errorf("unclosed %s at offset %d", openDelim, p.pos-len(openDelim))
		}

		tag := strings.TrimSpace(p.source[p.pos : p.pos+closing])
		p.pos += closing + len(closeDelim)

		switch {
		case tag == endIfTag:
			if terminator != endIfTag {
				return nil, errors.New("unexpected {{/if}}")
			}

			return nodes, nil
		case strings.HasPrefix(tag, ifPrefix):
			condSource := strings.TrimSpace(strings.TrimPrefix(tag, ifPrefix))
			if condSource == "" {
				return nil, errors.New("empty {{#if}} condition")
			}

			cond, err := parseExpression(condSource)
			if err != nil {
				return nil, err
			}

			body, err := p.parseUntil(endIfTag)
			if err != nil {
				return nil, err
			}

			nodes = append(nodes, ifNode{cond: cond, body: body})
		case tag == "":
			return nil, errors.New("empty expression")
		default:
			expr, err := parseExpression(tag)
			if err != nil {
				return nil, err
			}

			nodes = append(nodes, exprNode{expr: expr})
		}
	}

	if terminator != "" {
		return nil, errors.New("missing {{/if}}")
	}

	return nodes, nil
}

// expression is a compiled {{...}} body.
type expression interface {
	eval(env Env) (any, error)
}

type pathExpr struct {
	path string
}

func (e pathExpr) eval(env Env) (any, error) {
	value, ok := env.Lookup(e.path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, e.path)
	}

	return value, nil
}

type literalExpr struct {
	value any
}

func (e literalExpr) eval(Env) (any, error) {
	return e.value, nil
}

type callExpr struct {
	name string
	fn   helperFunc
	args []expression
}

func (e callExpr) eval(env Env) (any, error) {
	args := make([]any, len(e.args))

	for i, arg := range e.args {
		value, err := arg.eval(env)
		if err != nil {
			return nil, err
		}

		args[i] = value
	}

	value, err := e.fn(args)
	if err != nil {
		return nil, fmt.Errorf("helper %s: %w", e.name, err)
	}

	return value, nil
}

// parseExpression parses one expression body: a quoted string, a number, a
// helper call, or a dotted path.
func parseExpression(source string) (expression, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("empty expression")
	}

	if source[0] == '\'' || source[0] == '"' {
		if len(source) < 2 || source[len(source)-1] != source[0] {
			return nil, fmt.Errorf("unterminated string literal %s", source)
		}

		return literalExpr{value: source[1 : len(source)-1]}, nil
	}

	if num, err := strconv.ParseFloat(source, 64); err == nil {
		return literalExpr{value: num}, nil
	}

	if open := strings.IndexByte(source, '('); open > 0 && strings.HasSuffix(source, ")") {
		name := strings.TrimSpace(source[:open])

		fn, ok := helpers[name]
		if !ok {
			return nil, fmt.Errorf("unknown helper %q", name)
		}

		rawArgs, err := splitArgs(source[open+1 : len(source)-1])
		if err != nil {
			return nil, err
		}

		args := make([]expression, len(rawArgs))

		for i, raw := range rawArgs {
			arg, err := parseExpression(raw)
			if err != nil {
				return nil, err
			}

			args[i] = arg
		}

		return callExpr{name: name, fn: fn, args: args}, nil
	}

	return pathExpr{path: source}, nil
}

// splitArgs splits a helper argument list on top-level commas, respecting
// nested calls and quoted strings.
func splitArgs(source string) ([]string, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, nil
	}

	var (
		args  []string
		depth int
		quote byte
		start int
	)

	for i := 0; i < len(source); i++ {
		ch := source[i]

		switch {
		case quote != 0:
			if ch == quote {
				quote = 0
			}
		case ch == '\'' || ch == '"':
			quote = ch
		case ch == '(':
			depth++
		case ch == ')':
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced parentheses in helper arguments")
			}
		case ch == ',' && depth == 0:
			args = append(args, strings.TrimSpace(source[start:i]))
			start = i + 1
		}
	}

	if depth != 0 || quote != 0 {
		return nil, errors.New("unbalanced helper arguments")
	}

	args = append(args, strings.TrimSpace(source[start:]))

	return args, nil
}

// stringify renders a resolved value for text substitution.
func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
