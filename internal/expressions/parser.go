package expressions

import (
	"sort"
	"strings"
)

// Expr is a compiled condition expression.
type Expr struct {
	src  string
	root node
}

// Source returns the text the expression was parsed from.
func (x *Expr) Source() string { return x.src }

// Names returns the sorted, de-duplicated root names referenced by the
// expression. For a.b.c the root is a. Function names are not included.
func (x *Expr) Names() []string {
	seen := make(map[string]bool)
	walk(x.root, func(n node) {
		if nm, ok := n.(*nameNode); ok {
			seen[nm.path[0]] = true
		}
	})
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Parse compiles src into an Expr. Only the grammar below is accepted;
// anything else is an EXPRESSION_ERROR with the failing offset.
//
//	ternary    := or ("if" or "else" ternary)? | or ("?" ternary ":" ternary)?
//	or         := and (("or" | "||") and)*
//	and        := not (("and" | "&&") not)*
//	not        := ("not" | "!") not | comparison
//	comparison := additive (compop additive)*
//	additive   := mult (("+" | "-") mult)*
//	mult       := unary (("*" | "/" | "//" | "%") unary)*
//	unary      := "-" unary | postfix
//	postfix    := primary ("[" ternary "]")*
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, syntaxError(src, 0, "empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, syntaxError(src, t.pos, "unexpected %q", t.text)
	}
	return &Expr{src: src, root: root}, nil
}

type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

// isOp reports whether the current token is the operator or keyword text.
func (p *parser) isOp(texts ...string) bool {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokName {
		return false
	}
	for _, s := range texts {
		if t.text == s {
			return true
		}
	}
	return false
}

func (p *parser) expect(text string) (token, error) {
	t := p.peek()
	if (t.kind == tokOp || t.kind == tokName) && t.text == text {
		return p.next(), nil
	}
	if t.kind == tokEOF {
		return t, syntaxError(p.src, t.pos, "expected %q, got end of input", text)
	}
	return t, syntaxError(p.src, t.pos, "expected %q, got %q", text, t.text)
}

func (p *parser) parseTernary() (node, error) {
	start := p.peek().pos
	x, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	switch {
	case p.isOp("if"):
		p.next()
		cond, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("else"); err != nil {
			return nil, err
		}
		els, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		return &ternaryNode{cond: cond, then: x, els: els, at: start}, nil
	case p.isOp("?"):
		p.next()
		then, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(":"); err != nil {
			return nil, err
		}
		els, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		return &ternaryNode{cond: x, then: then, els: els, at: start}, nil
	}
	return x, nil
}

func (p *parser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("or", "||") {
		t := p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &logicalNode{op: "or", l: l, r: r, at: t.pos}
	}
	return l, nil
}

func (p *parser) parseAnd() (node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("and", "&&") {
		t := p.next()
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = &logicalNode{op: "and", l: l, r: r, at: t.pos}
	}
	return l, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isOp("not", "!") {
		t := p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", x: x, at: t.pos}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	first, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	cmp := &compareNode{operands: []node{first}, at: first.pos()}
	for {
		var op string
		switch {
		case p.isOp("==", "!=", "<", "<=", ">", ">=", "in"):
			op = p.next().text
		case p.isOp("not") && p.i+1 < len(p.toks) && p.toks[p.i+1].kind == tokName && p.toks[p.i+1].text == "in":
			p.next()
			p.next()
			op = "not in"
		default:
			if len(cmp.ops) == 0 {
				return first, nil
			}
			return cmp, nil
		}
		r, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, op)
		cmp.operands = append(cmp.operands, r)
	}
}

func (p *parser) parseAdditive() (node, error) {
	l, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.isOp("+", "-") {
		t := p.next()
		r, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: t.text, l: l, r: r, at: t.pos}
	}
	return l, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.isOp("*", "/", "//", "%") {
		t := p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binaryNode{op: t.text, l: l, r: r, at: t.pos}
	}
	return l, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokOp && p.isOp("-") {
		t := p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", x: x, at: t.pos}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.isOp("[") {
		t := p.next()
		idx, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect("]"); err != nil {
			return nil, err
		}
		x = &indexNode{x: x, index: idx, at: t.pos}
	}
	return x, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber, tokString:
		p.next()
		return &literalNode{value: t.val, at: t.pos}, nil

	case tokName:
		switch t.text {
		case "true", "True":
			p.next()
			return &literalNode{value: true, at: t.pos}, nil
		case "false", "False":
			p.next()
			return &literalNode{value: false, at: t.pos}, nil
		case "none", "None", "null":
			p.next()
			return &literalNode{value: nil, at: t.pos}, nil
		}
		if keywords[t.text] {
			return nil, syntaxError(p.src, t.pos, "unexpected keyword %q", t.text)
		}
		p.next()
		if p.peek().kind == tokOp && p.peek().text == "(" {
			return p.parseCall(t)
		}
		path := []string{t.text}
		for p.peek().kind == tokOp && p.peek().text == "." {
			p.next()
			seg := p.peek()
			if seg.kind != tokName || keywords[seg.text] {
				return nil, syntaxError(p.src, seg.pos, "expected attribute name after '.'")
			}
			p.next()
			path = append(path, seg.text)
		}
		if p.peek().kind == tokOp && p.peek().text == "(" {
			return nil, syntaxError(p.src, p.peek().pos, "only plain function names can be called")
		}
		return &nameNode{path: path, at: t.pos}, nil

	case tokOp:
		switch t.text {
		case "(":
			p.next()
			x, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(")"); err != nil {
				return nil, err
			}
			return x, nil
		case "[":
			p.next()
			list := &listNode{at: t.pos}
			if p.isOp("]") {
				p.next()
				return list, nil
			}
			for {
				item, err := p.parseTernary()
				if err != nil {
					return nil, err
				}
				list.items = append(list.items, item)
				if p.isOp(",") {
					p.next()
					if p.isOp("]") {
						p.next()
						return list, nil
					}
					continue
				}
				if _, err := p.expect("]"); err != nil {
					return nil, err
				}
				return list, nil
			}
		}
		return nil, syntaxError(p.src, t.pos, "unexpected %q", t.text)
	}
	return nil, syntaxError(p.src, t.pos, "unexpected end of input")
}

func (p *parser) parseCall(name token) (node, error) {
	if _, ok := functions[name.text]; !ok {
		return nil, syntaxError(p.src, name.pos, "unknown function %q", name.text)
	}
	p.next() // (
	call := &callNode{fn: name.text, at: name.pos}
	if p.isOp(")") {
		p.next()
		return call, nil
	}
	for {
		arg, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		if p.isOp(",") {
			p.next()
			continue
		}
		if _, err := p.expect(")"); err != nil {
			return nil, err
		}
		return call, nil
	}
}
