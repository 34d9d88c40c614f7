package resource

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenIdent
	tokenString
	tokenOp     // == or !=
	tokenLParen // (
	tokenRParen // )
	tokenLBracket
	tokenRBracket
	tokenComma
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

// parser holds state for parsing a single expression line.
type parser struct {
	full   string // complete expression, for error context
	line   string
	base   int // offset of line within full
	pos    int
	tokens []token
	index  int
}

func newParser(full, line string, base int) *parser {
	return &parser{full: full, line: line, base: base}
}

func (p *parser) errorf(offset int, reason string) error {
	return malformed(p.full, p.base+offset, reason)
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == ':'
}

func (p *parser) lex() error {
	runes := []rune(p.line)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			p.tokens = append(p.tokens, token{tokenLParen, "(", i})
			i++
		case r == ')':
			p.tokens = append(p.tokens, token{tokenRParen, ")", i})
			i++
		case r == '[':
			p.tokens = append(p.tokens, token{tokenLBracket, "[", i})
			i++
		case r == ']':
			p.tokens = append(p.tokens, token{tokenRBracket, "]", i})
			i++
		case r == ',':
			p.tokens = append(p.tokens, token{tokenComma, ",", i})
			i++
		case r == '=' || r == '!':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return p.errorf(i, "expected comparison operator")
			}
			p.tokens = append(p.tokens, token{tokenOp, string(runes[i : i+2]), i})
			i += 2
		case r == '\'' || r == '"':
			quote := r
			start := i
			i++
			var sb strings.Builder
			for i < len(runes) && runes[i] != quote {
				sb.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return p.errorf(start, "unterminated string literal")
			}
			i++
			p.tokens = append(p.tokens, token{tokenString, sb.String(), start})
		case isIdentRune(r) || r == '.':
			start := i
			for i < len(runes) && (isIdentRune(runes[i]) || runes[i] == '.') {
				i++
			}
			p.tokens = append(p.tokens, token{tokenIdent, string(runes[start:i]), start})
		default:
			return p.errorf(i, "unexpected character "+string(r))
		}
	}
	p.tokens = append(p.tokens, token{tokenEOF, "", len(runes)})
	return nil
}

func (p *parser) peek() token { return p.tokens[p.index] }

func (p *parser) next() token {
	tok := p.tokens[p.index]
	if tok.kind != tokenEOF {
		p.index++
	}
	return tok
}

// parseLine parses one expression line: primaries folded strictly left to
// right by "and"/"or", with no precedence beyond parentheses.
func (p *parser) parseLine() (node, error) {
	if err := p.lex(); err != nil {
		return nil, err
	}
	root, err := p.parseGroup()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, p.errorf(tok.offset, "unexpected trailing input "+tok.text)
	}
	return root, nil
}

func (p *parser) parseGroup() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenIdent || (tok.text != "and" && tok.text != "or") {
			return left, nil
		}
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.text, left: left, right: right}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.peek()
	switch tok.kind {
	case tokenLParen:
		p.next()
		inner, err := p.parseGroup()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, p.errorf(closing.offset, "expected closing parenthesis")
		}
		return inner, nil
	case tokenIdent:
		return p.parseComparison()
	default:
		return nil, p.errorf(tok.offset, "expected comparison or parenthesized group")
	}
}

func (p *parser) parseComparison() (node, error) {
	tok := p.next()
	if tok.text == "not" {
		return nil, p.errorf(tok.offset, "operator \"not in\" is not supported")
	}
	dot := strings.LastIndex(tok.text, ".")
	if dot <= 0 || dot == len(tok.text)-1 {
		return nil, p.errorf(tok.offset, "expected resource.field reference, got "+tok.text)
	}
	cmp := &compareNode{resource: tok.text[:dot], field: tok.text[dot+1:]}

	op := p.next()
	switch {
	case op.kind == tokenOp:
		cmp.op = op.text
	case op.kind == tokenIdent && op.text == "in":
		cmp.op = "in"
	case op.kind == tokenIdent && op.text == "not":
		return nil, p.errorf(op.offset, "operator \"not in\" is not supported")
	default:
		return nil, p.errorf(op.offset, "expected ==, != or in")
	}

	if cmp.op == "in" {
		values, err := p.parseTuple()
		if err != nil {
			return nil, err
		}
		cmp.values = values
		return cmp, nil
	}
	lit := p.next()
	if lit.kind != tokenString {
		return nil, p.errorf(lit.offset, "expected quoted string literal")
	}
	cmp.value = lit.text
	return cmp, nil
}

// parseTuple parses the right-hand side of "in": a parenthesized or
// bracketed list of string literals.
func (p *parser) parseTuple() ([]string, error) {
	open := p.next()
	var closer tokenKind
	switch open.kind {
	case tokenLParen:
		closer = tokenRParen
	case tokenLBracket:
		closer = tokenRBracket
	default:
		return nil, p.errorf(open.offset, "operator \"in\" requires a literal list")
	}
	var values []string
	for {
		tok := p.next()
		if tok.kind == closer && len(values) == 0 {
			return nil, p.errorf(tok.offset, "empty list for operator \"in\"")
		}
		if tok.kind != tokenString {
			return nil, p.errorf(tok.offset, "expected quoted string literal in list")
		}
		values = append(values, tok.text)
		tok = p.next()
		if tok.kind == closer {
			return values, nil
		}
		if tok.kind != tokenComma {
			return nil, p.errorf(tok.offset, "expected comma or closing bracket in list")
		}
		// Tolerate a trailing comma before the closer.
		if p.peek().kind == closer {
			p.next()
			return values, nil
		}
	}
}
