package query

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '\'':
			start := i
			var b strings.Builder
			i++
			closed := false
			for i < len(src) {
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, filterError(start, "unterminated string literal")
			}
			toks = append(toks, token{tokString, b.String(), start})
		case c == '-' || c >= '0' && c <= '9':
			start := i
			i++
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' || src[i] == 'e' || src[i] == 'E') {
				i++
			}
			toks = append(toks, token{tokNumber, src[start:i], start})
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
			start := i
			for i < len(src) && (src[i] == '_' || src[i] >= 'a' && src[i] <= 'z' || src[i] >= 'A' && src[i] <= 'Z' || src[i] >= '0' && src[i] <= '9') {
				i++
			}
			toks = append(toks, token{tokIdent, src[start:i], start})
		default:
			return nil, filterError(i, fmt.Sprintf("unexpected character %q", c))
		}
	}
	return append(toks, token{tokEOF, "", len(src)}), nil
}

func filterError(pos int, msg string) error {
	return &ValidationError{Field: "$filter", Message: fmt.Sprintf("%s at position %d", msg, pos)}
}

type parser struct {
	toks []token
	pos  int
}

// ParseFilter parses an OData $filter expression. An empty string yields a
// nil Expr.
func ParseFilter(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, filterError(t.pos, fmt.Sprintf("unexpected %q", t.text))
	}
	return e, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		if t.kind == tokEOF {
			return t, filterError(t.pos, "expected "+what+", got end of input")
		}
		return t, filterError(t.pos, fmt.Sprintf("expected %s, got %q", what, t.text))
	}
	return t, nil
}

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword(OpOr) {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = Logical{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.keyword(OpAnd) {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = Logical{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) unary() (Expr, error) {
	if p.keyword("not") {
		e, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Not{Expr: e}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return e, nil
	}

	name, err := p.expect(tokIdent, "column name")
	if err != nil {
		return nil, err
	}

	if fn := strings.ToLower(name.text); stringFuncs[fn] && p.peek().kind == tokLParen {
		return p.call(fn)
	}

	opTok, err := p.expect(tokIdent, "comparison operator")
	if err != nil {
		return nil, err
	}
	op := strings.ToLower(opTok.text)
	if !comparisonOps[op] {
		return nil, filterError(opTok.pos, fmt.Sprintf("unknown operator %q", opTok.text))
	}

	value, err := p.literal()
	if err != nil {
		return nil, err
	}
	if value == nil && op != OpEq && op != OpNe {
		return nil, filterError(opTok.pos, "null can only be compared with eq or ne")
	}
	return Compare{Column: name.text, Op: op, Value: value}, nil
}

func (p *parser) call(fn string) (Expr, error) {
	p.next() // (
	col, err := p.expect(tokIdent, "column name")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	arg, err := p.expect(tokString, "string literal")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return Call{Func: fn, Column: col.text, Value: arg.text}, nil
}

func (p *parser) literal() (interface{}, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, filterError(t.pos, fmt.Sprintf("invalid number %q", t.text))
		}
		return f, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		}
	case tokEOF:
		return nil, filterError(t.pos, "expected literal, got end of input")
	}
	return nil, filterError(t.pos, fmt.Sprintf("expected literal, got %q", t.text))
}
