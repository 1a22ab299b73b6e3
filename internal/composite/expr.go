// Package composite re-evaluates correlation strategies whenever one of
// their input alerts changes state.
package composite

import (
	"fmt"
	"strings"
	"unicode"
)

// exprNode is one node of a parsed boolean expression over aliases.
type exprNode interface {
	eval(vals map[string]bool) bool
}

type aliasNode struct{ name string }

func (n aliasNode) eval(vals map[string]bool) bool { return vals[n.name] }

type notNode struct{ inner exprNode }

func (n notNode) eval(vals map[string]bool) bool { return !n.inner.eval(vals) }

type binNode struct {
	op    string // "&&" or "||"
	left  exprNode
	right exprNode
}

func (n binNode) eval(vals map[string]bool) bool {
	if n.op == "&&" {
		return n.left.eval(vals) && n.right.eval(vals)
	}
	return n.left.eval(vals) || n.right.eval(vals)
}

// parseExpr parses a boolean expression like "A && (B || !C)". Accepted
// operators: && (also "and"), || (also "or"), ! and parentheses.
func parseExpr(s string) (exprNode, error) {
	p := &exprParser{tokens: tokenize(s)}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return node, nil
}

func tokenize(s string) []string {
	var tokens []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(' || c == ')' || c == '!':
			tokens = append(tokens, string(c))
			i++
		case c == '&' || c == '|':
			if i+1 < len(s) && s[i+1] == c {
				tokens = append(tokens, string(c)+string(c))
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}
		default:
			j := i
			for j < len(s) && (unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j])) || s[j] == '_') {
				j++
			}
			if j == i {
				tokens = append(tokens, string(c))
				i++
			} else {
				tokens = append(tokens, s[i:j])
				i = j
			}
		}
	}
	return tokens
}

type exprParser struct {
	tokens []string
	pos    int
}

func (p *exprParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok != "||" && !strings.EqualFold(tok, "or") {
			return left, nil
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "||", left: left, right: right}
	}
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok != "&&" && !strings.EqualFold(tok, "and") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binNode{op: "&&", left: left, right: right}
	}
}

func (p *exprParser) parseUnary() (exprNode, error) {
	switch tok := p.peek(); {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case tok == "!" || strings.EqualFold(tok, "not"):
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner: inner}, nil
	case tok == "(":
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tok == ")" || tok == "&&" || tok == "||" || tok == "&" || tok == "|":
		return nil, fmt.Errorf("unexpected token %q", tok)
	default:
		p.pos++
		return aliasNode{name: tok}, nil
	}
}
