package registry

import (
	"fmt"
	"strings"
	"unicode"
)

// Lookup resolves a field reference to its value. The second result is false
// when the field is absent.
type Lookup func(ref string) (any, bool)

// Condition is a parsed predicate expression.
//
// Supported grammar:
//
//	expr   := and ( "||" and )*
//	and    := term ( "&&" term )*
//	term   := "(" expr ")" | ref ( "==" | "!=" ) literal
//	literal:= 'quoted string' | true | false
//
// An empty expression always holds.
type Condition struct {
	src  string
	root node
}

type node interface {
	eval(Lookup) bool
	refs(into []string) []string
}

type orNode struct{ terms []node }
type andNode struct{ terms []node }

type cmpNode struct {
	ref     string
	negate  bool
	literal any
}

// ParseCondition compiles expr. An empty expression yields a condition that
// always holds.
func ParseCondition(expr string) (*Condition, error) {
	c := &Condition{src: strings.TrimSpace(expr)}
	if c.src == "" {
		return c, nil
	}
	toks, err := tokenize(c.src)
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("condition %q: %w", expr, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("condition %q: unexpected %q", expr, p.peek().text)
	}
	c.root = root
	return c, nil
}

// String returns the source expression.
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	return c.src
}

// Eval evaluates the condition. Comparing an absent field with == is false,
// with != is true.
func (c *Condition) Eval(lookup Lookup) bool {
	if c == nil || c.root == nil {
		return true
	}
	return c.root.eval(lookup)
}

// Refs returns the distinct field references in order of first appearance.
func (c *Condition) Refs() []string {
	if c == nil || c.root == nil {
		return nil
	}
	all := c.root.refs(nil)
	seen := make(map[string]struct{}, len(all))
	out := all[:0]
	for _, r := range all {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// comparisons returns every ref == literal term in source order.
func (c *Condition) comparisons() []*cmpNode {
	if c == nil || c.root == nil {
		return nil
	}
	var out []*cmpNode
	var walk func(node)
	walk = func(n node) {
		switch n := n.(type) {
		case *orNode:
			for _, t := range n.terms {
				walk(t)
			}
		case *andNode:
			for _, t := range n.terms {
				walk(t)
			}
		case *cmpNode:
			out = append(out, n)
		}
	}
	walk(c.root)
	return out
}

func (n *orNode) eval(l Lookup) bool {
	for _, t := range n.terms {
		if t.eval(l) {
			return true
		}
	}
	return false
}

func (n *orNode) refs(into []string) []string {
	for _, t := range n.terms {
		into = t.refs(into)
	}
	return into
}

func (n *andNode) eval(l Lookup) bool {
	for _, t := range n.terms {
		if !t.eval(l) {
			return false
		}
	}
	return true
}

func (n *andNode) refs(into []string) []string {
	for _, t := range n.terms {
		into = t.refs(into)
	}
	return into
}

func (n *cmpNode) eval(l Lookup) bool {
	v, ok := l(n.ref)
	equal := ok && v == n.literal
	if n.negate {
		return !equal
	}
	return equal
}

func (n *cmpNode) refs(into []string) []string {
	return append(into, n.ref)
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokBool
	tokEq
	tokNeq
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		ch := rune(src[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case strings.HasPrefix(src[i:], "=="):
			toks = append(toks, token{tokEq, "=="})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			toks = append(toks, token{tokNeq, "!="})
			i += 2
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{tokAnd, "&&"})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{tokOr, "||"})
			i += 2
		case ch == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case ch == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case ch == '\'':
			end := strings.IndexByte(src[i+1:], '\'')
			if end == -1 {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : i+1+end]})
			i += end + 2
		case isIdentRune(ch):
			j := i
			for j < len(src) && isIdentRune(rune(src[j])) {
				j++
			}
			word := src[i:j]
			if word == "true" || word == "false" {
				toks = append(toks, token{tokBool, word})
			} else {
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", ch, i)
		}
	}
	return toks, nil
}

func isIdentRune(ch rune) bool {
	return ch == '_' || ch == '.' || unicode.IsLetter(ch) || unicode.IsDigit(ch)
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: -1, text: "<end>"}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for !p.done() && p.peek().kind == tokOr {
		p.next()
		t, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &orNode{terms: terms}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for !p.done() && p.peek().kind == tokAnd {
		p.next()
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return &andNode{terms: terms}, nil
}

func (p *parser) parseTerm() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' but found %q", closing.text)
		}
		return inner, nil
	case tokIdent:
		op := p.next()
		if op.kind != tokEq && op.kind != tokNeq {
			return nil, fmt.Errorf("expected == or != after %q but found %q", tok.text, op.text)
		}
		lit := p.next()
		var value any
		switch lit.kind {
		case tokString:
			value = lit.text
		case tokBool:
			value = lit.text == "true"
		default:
			return nil, fmt.Errorf("expected literal after %s but found %q", op.text, lit.text)
		}
		return &cmpNode{ref: tok.text, negate: op.kind == tokNeq, literal: value}, nil
	default:
		return nil, fmt.Errorf("unexpected %q", tok.text)
	}
}
