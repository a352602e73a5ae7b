package searchindex

import (
	"fmt"
	"strings"
)

// compile translates the spec's query grammar (4.2) into an FTS5 MATCH
// expression string. Precedence, tightest first: NOT, AND, XOR, OR.
// FTS5 has no native XOR, so `a XOR b` is compiled to the classic
// expansion `(a OR b) NOT (a AND b)` — FTS5's NOT is a binary "and not",
// which is also why a bare leading `-term` (no term to its left) is
// rejected rather than silently matching everything.
func compile(query string) (string, error) {
	toks, err := tokenize(query)
	if err != nil {
		return "", err
	}
	if len(toks) == 0 {
		return "", fmt.Errorf("empty query")
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return "", err
	}
	if p.pos != len(p.toks) {
		return "", fmt.Errorf("unexpected token %q", p.toks[p.pos])
	}
	return expr, nil
}

// fieldColumn maps the spec's field names to search_fts columns.
func fieldColumn(field string) (string, bool) {
	switch field {
	case "body":
		return "body", true
	case "subject":
		return "subject", true
	case "from":
		return "from_addr", true
	case "to":
		return "to_addr", true
	case "folder":
		return "folder", true
	default:
		return "", false
	}
}

// --- tokenizer ---

func tokenize(s string) ([]string, error) {
	var toks []string
	i, n := 0, len(s)
	for i < n {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(' || c == ')':
			toks = append(toks, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < n && s[j] != '"' {
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("unterminated phrase")
			}
			toks = append(toks, s[i:j+1])
			i = j + 1
		default:
			j := i
			for j < n && s[j] != ' ' && s[j] != '\t' && s[j] != '\n' && s[j] != '(' && s[j] != ')' {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks, nil
}

// --- recursive descent parser, lowest precedence first ---

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func isKeyword(tok, kw string) bool {
	return strings.EqualFold(tok, kw)
}

func (p *parser) parseOr() (string, error) {
	left, err := p.parseXor()
	if err != nil {
		return "", err
	}
	for isKeyword(p.peek(), "OR") {
		p.next()
		right, err := p.parseXor()
		if err != nil {
			return "", err
		}
		left = fmt.Sprintf("(%s OR %s)", left, right)
	}
	return left, nil
}

func (p *parser) parseXor() (string, error) {
	left, err := p.parseAnd()
	if err != nil {
		return "", err
	}
	for isKeyword(p.peek(), "XOR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return "", err
		}
		left = fmt.Sprintf("((%s OR %s) NOT (%s AND %s))", left, right, left, right)
	}
	return left, nil
}

// parseAnd folds an implicit-or-explicit AND chain, applying any `NOT`/
// `-term` operand as a binary "AND NOT" against what's accumulated so
// far, since FTS5's NOT has no unary form.
func (p *parser) parseAnd() (string, error) {
	left, negated, err := p.parseNotOperand()
	if err != nil {
		return "", err
	}
	if negated {
		return "", fmt.Errorf("query cannot start with a negated term")
	}

	for {
		tok := p.peek()
		if tok == "" || tok == ")" || isKeyword(tok, "OR") || isKeyword(tok, "XOR") {
			break
		}
		if isKeyword(tok, "AND") {
			p.next()
		}
		right, rNegated, err := p.parseNotOperand()
		if err != nil {
			return "", err
		}
		if rNegated {
			left = fmt.Sprintf("(%s NOT %s)", left, right)
		} else {
			left = fmt.Sprintf("(%s AND %s)", left, right)
		}
	}
	return left, nil
}

// parseNotOperand consumes one optionally-negated operand: either the
// `NOT x` / `-x` shorthand, or a plain unary term/group.
func (p *parser) parseNotOperand() (expr string, negated bool, err error) {
	if isKeyword(p.peek(), "NOT") {
		p.next()
		inner, innerNeg, err := p.parseNotOperand()
		if err != nil {
			return "", false, err
		}
		if innerNeg {
			return "", false, fmt.Errorf("double negation is not supported")
		}
		return inner, true, nil
	}

	tok := p.peek()
	if strings.HasPrefix(tok, "-") && len(tok) > 1 && tok != "(" {
		p.next()
		inner, err := termExpr(tok[1:])
		if err != nil {
			return "", false, err
		}
		return inner, true, nil
	}

	expr, err = p.parseUnary()
	return expr, false, err
}

func (p *parser) parseUnary() (string, error) {
	tok := p.peek()
	if tok == "" {
		return "", fmt.Errorf("unexpected end of query")
	}

	if tok == "(" {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return "", err
		}
		if p.peek() != ")" {
			return "", fmt.Errorf("expected )")
		}
		p.next()
		return fmt.Sprintf("(%s)", expr), nil
	}

	p.next()
	return termExpr(tok)
}

// termExpr renders one leaf token (+term, "phrase", prefix*, field:term,
// or a bare word) as an FTS5 match fragment. Leading '-' is handled by
// the caller (parseNotOperand), not here.
func termExpr(tok string) (string, error) {
	switch {
	case strings.HasPrefix(tok, "+") && len(tok) > 1:
		return termExpr(tok[1:])
	case strings.HasPrefix(tok, `"`) && strings.HasSuffix(tok, `"`) && len(tok) >= 2:
		return tok, nil
	case strings.Contains(tok, ":"):
		parts := strings.SplitN(tok, ":", 2)
		field, term := parts[0], parts[1]
		col, ok := fieldColumn(field)
		if !ok || term == "" {
			return "", fmt.Errorf("unknown search field %q", field)
		}
		return fmt.Sprintf("%s:%s", col, term), nil
	default:
		if tok == "" {
			return "", fmt.Errorf("empty term")
		}
		return tok, nil
	}
}
