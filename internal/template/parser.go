package template

import (
	"strconv"
	"strings"
)

// Template nodes.

type node interface{}

type textNode struct {
	text string
}

type outputNode struct {
	expr expr
}

type condBranch struct {
	cond expr
	body []node
}

type ifNode struct {
	branches []condBranch
	elseBody []node
}

type forNode struct {
	vars     []string
	iter     expr
	body     []node
	elseBody []node
}

type setNode struct {
	name string
	expr expr
}

// Expression nodes.

type expr interface {
	position() int
}

type litExpr struct {
	val any
	pos int
}

type nameExpr struct {
	name string
	pos  int
}

type listExpr struct {
	items []expr
	pos   int
}

type dictExpr struct {
	keys []expr
	vals []expr
	pos  int
}

type unaryExpr struct {
	op  string
	x   expr
	pos int
}

type binExpr struct {
	op   string
	l, r expr
	pos  int
}

type condExpr struct {
	cond, then, els expr
	pos             int
}

type attrExpr struct {
	x    expr
	name string
	pos  int
}

type indexExpr struct {
	x       expr
	idx     expr // nil for slices
	lo, hi  expr // slice bounds, may be nil
	isSlice bool
	pos     int
}

type callExpr struct {
	fn     expr
	args   []expr
	kwargs map[string]expr
	pos    int
}

type filterExpr struct {
	x      expr
	name   string
	args   []expr
	kwargs map[string]expr
	pos    int
}

type testExpr struct {
	x      expr
	name   string
	args   []expr
	negate bool
	pos    int
}

func (e *litExpr) position() int    { return e.pos }
func (e *nameExpr) position() int   { return e.pos }
func (e *listExpr) position() int   { return e.pos }
func (e *dictExpr) position() int   { return e.pos }
func (e *unaryExpr) position() int  { return e.pos }
func (e *binExpr) position() int    { return e.pos }
func (e *condExpr) position() int   { return e.pos }
func (e *attrExpr) position() int   { return e.pos }
func (e *indexExpr) position() int  { return e.pos }
func (e *callExpr) position() int   { return e.pos }
func (e *filterExpr) position() int { return e.pos }
func (e *testExpr) position() int   { return e.pos }

// parseTemplate builds the node tree for a template source.
func parseTemplate(src string) ([]node, error) {
	segs, err := splitSegments(src)
	if err != nil {
		return nil, err
	}
	applyTrim(segs)
	p := &tmplParser{segs: segs}
	nodes, err := p.parseBody(nil)
	if err != nil {
		return nil, err
	}
	if p.i < len(p.segs) {
		seg := p.segs[p.i]
		return nil, errAt(seg.pos, "unexpected %q", statementKeyword(seg.body))
	}
	return nodes, nil
}

// applyTrim strips whitespace from text segments adjacent to blocks
// carrying - markers.
func applyTrim(segs []segment) {
	for i := range segs {
		if segs[i].kind == segText {
			continue
		}
		if segs[i].trimLeft && i > 0 && segs[i-1].kind == segText {
			segs[i-1].text = strings.TrimRight(segs[i-1].text, " \t\r\n")
		}
		if segs[i].trimRight && i+1 < len(segs) && segs[i+1].kind == segText {
			segs[i+1].text = strings.TrimLeft(segs[i+1].text, " \t\r\n")
		}
	}
}

func statementKeyword(body string) string {
	if i := strings.IndexAny(body, " \t"); i >= 0 {
		return body[:i]
	}
	return body
}

// tmplParser walks the segment list building block structure.
type tmplParser struct {
	segs []segment
	i    int
}

// parseBody consumes segments until EOF or one of the given stop
// keywords, which is left unconsumed.
func (p *tmplParser) parseBody(stop []string) ([]node, error) {
	var nodes []node
	for p.i < len(p.segs) {
		seg := p.segs[p.i]
		switch seg.kind {
		case segText:
			if seg.text != "" {
				nodes = append(nodes, &textNode{text: seg.text})
			}
			p.i++

		case segComment:
			p.i++

		case segOutput:
			e, err := parseExprString(seg.body, seg.pos)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, &outputNode{expr: e})
			p.i++

		case segStatement:
			kw := statementKeyword(seg.body)
			for _, s := range stop {
				if kw == s {
					return nodes, nil
				}
			}
			stmt, err := p.parseStatement(seg)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, stmt)
		}
	}
	return nodes, nil
}

func (p *tmplParser) parseStatement(seg segment) (node, error) {
	kw := statementKeyword(seg.body)
	rest := strings.TrimSpace(seg.body[len(kw):])
	switch kw {
	case "if":
		return p.parseIf(seg, rest)
	case "for":
		return p.parseFor(seg, rest)
	case "set":
		p.i++
		name, after, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, errAt(seg.pos, "set requires '='")
		}
		name = strings.TrimSpace(name)
		if !validName(name) {
			return nil, errAt(seg.pos, "invalid set target %q", name)
		}
		e, err := parseExprString(strings.TrimSpace(after), seg.pos)
		if err != nil {
			return nil, err
		}
		return &setNode{name: name, expr: e}, nil
	default:
		return nil, errAt(seg.pos, "unknown statement %q", kw)
	}
}

func (p *tmplParser) parseIf(seg segment, condSrc string) (node, error) {
	p.i++
	out := &ifNode{}
	cond, err := parseExprString(condSrc, seg.pos)
	if err != nil {
		return nil, err
	}
	body, err := p.parseBody([]string{"elif", "else", "endif"})
	if err != nil {
		return nil, err
	}
	out.branches = append(out.branches, condBranch{cond: cond, body: body})

	for p.i < len(p.segs) {
		s := p.segs[p.i]
		kw := statementKeyword(s.body)
		switch kw {
		case "elif":
			p.i++
			cond, err := parseExprString(strings.TrimSpace(s.body[len("elif"):]), s.pos)
			if err != nil {
				return nil, err
			}
			body, err := p.parseBody([]string{"elif", "else", "endif"})
			if err != nil {
				return nil, err
			}
			out.branches = append(out.branches, condBranch{cond: cond, body: body})
		case "else":
			p.i++
			body, err := p.parseBody([]string{"endif"})
			if err != nil {
				return nil, err
			}
			out.elseBody = body
		case "endif":
			p.i++
			return out, nil
		default:
			return nil, errAt(s.pos, "expected endif, got %q", kw)
		}
	}
	return nil, errAt(seg.pos, "unclosed if")
}

func (p *tmplParser) parseFor(seg segment, src string) (node, error) {
	p.i++
	targets, iterSrc, ok := strings.Cut(src, " in ")
	if !ok {
		return nil, errAt(seg.pos, "for requires 'in'")
	}
	out := &forNode{}
	for _, v := range strings.Split(targets, ",") {
		v = strings.TrimSpace(v)
		if !validName(v) {
			return nil, errAt(seg.pos, "invalid loop target %q", v)
		}
		out.vars = append(out.vars, v)
	}
	iter, err := parseExprString(strings.TrimSpace(iterSrc), seg.pos)
	if err != nil {
		return nil, err
	}
	out.iter = iter

	body, err := p.parseBody([]string{"else", "endfor"})
	if err != nil {
		return nil, err
	}
	out.body = body
	if p.i >= len(p.segs) {
		return nil, errAt(seg.pos, "unclosed for")
	}
	if statementKeyword(p.segs[p.i].body) == "else" {
		p.i++
		elseBody, err := p.parseBody([]string{"endfor"})
		if err != nil {
			return nil, err
		}
		out.elseBody = elseBody
		if p.i >= len(p.segs) {
			return nil, errAt(seg.pos, "unclosed for")
		}
	}
	p.i++ // endfor
	return out, nil
}

func validName(s string) bool {
	if s == "" || !isIdentStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isIdentPart(s[i]) {
			return false
		}
	}
	return true
}

// Expression parsing.

// parseExprString parses one complete expression.
func parseExprString(src string, base int) (expr, error) {
	toks, err := lexExpr(src, base)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, errAt(p.cur().pos, "unexpected %q", p.cur().text)
	}
	return e, nil
}

type exprParser struct {
	toks []token
	i    int
}

func (p *exprParser) cur() token  { return p.toks[p.i] }
func (p *exprParser) next() token { t := p.toks[p.i]; p.i++; return t }

func (p *exprParser) acceptOp(op string) bool {
	if p.cur().kind == tokOp && p.cur().text == op {
		p.i++
		return true
	}
	return false
}

func (p *exprParser) acceptIdent(word string) bool {
	if p.cur().kind == tokIdent && p.cur().text == word {
		p.i++
		return true
	}
	return false
}

func (p *exprParser) expectOp(op string) error {
	if !p.acceptOp(op) {
		return errAt(p.cur().pos, "expected %q, got %q", op, p.cur().text)
	}
	return nil
}

// parseExpr handles the conditional expression: a if cond else b.
func (p *exprParser) parseExpr() (expr, error) {
	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.acceptIdent("if") {
		return then, nil
	}
	pos := p.cur().pos
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	out := &condExpr{cond: cond, then: then, pos: pos}
	if p.acceptIdent("else") {
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		out.els = els
	}
	return out, nil
}

func (p *exprParser) parseOr() (expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("or") {
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: "or", l: l, r: r, pos: l.position()}
	}
	return l, nil
}

func (p *exprParser) parseAnd() (expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("and") {
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: "and", l: l, r: r, pos: l.position()}
	}
	return l, nil
}

func (p *exprParser) parseNot() (expr, error) {
	if p.cur().kind == tokIdent && p.cur().text == "not" {
		pos := p.next().pos
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: "not", x: x, pos: pos}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
}

func (p *exprParser) parseComparison() (expr, error) {
	l, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		switch {
		case t.kind == tokOp && comparisonOps[t.text]:
			p.i++
			r, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			l = &binExpr{op: t.text, l: l, r: r, pos: t.pos}

		case t.kind == tokIdent && t.text == "in":
			p.i++
			r, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			l = &binExpr{op: "in", l: l, r: r, pos: t.pos}

		case t.kind == tokIdent && t.text == "not" &&
			p.toks[p.i+1].kind == tokIdent && p.toks[p.i+1].text == "in":
			p.i += 2
			r, err := p.parseConcat()
			if err != nil {
				return nil, err
			}
			l = &unaryExpr{op: "not", x: &binExpr{op: "in", l: l, r: r, pos: t.pos}, pos: t.pos}

		default:
			return l, nil
		}
	}
}

func (p *exprParser) parseConcat() (expr, error) {
	l, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && p.cur().text == "~" {
		pos := p.next().pos
		r, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: "~", l: l, r: r, pos: pos}
	}
	return l, nil
}

func (p *exprParser) parseAddSub() (expr, error) {
	l, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp && (p.cur().text == "+" || p.cur().text == "-") {
		t := p.next()
		r, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: t.text, l: l, r: r, pos: t.pos}
	}
	return l, nil
}

func (p *exprParser) parseMulDiv() (expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tokOp &&
		(p.cur().text == "*" || p.cur().text == "/" || p.cur().text == "//" || p.cur().text == "%") {
		t := p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = &binExpr{op: t.text, l: l, r: r, pos: t.pos}
	}
	return l, nil
}

func (p *exprParser) parseUnary() (expr, error) {
	if p.cur().kind == tokOp && (p.cur().text == "-" || p.cur().text == "+") {
		t := p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: t.text, x: x, pos: t.pos}, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (expr, error) {
	l, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if p.cur().kind == tokOp && p.cur().text == "**" {
		pos := p.next().pos
		r, err := p.parseUnary() // right associative
		if err != nil {
			return nil, err
		}
		return &binExpr{op: "**", l: l, r: r, pos: pos}, nil
	}
	return l, nil
}

// parsePostfix handles attribute access, indexing, calls, filters,
// and tests.
func (p *exprParser) parsePostfix() (expr, error) {
	e, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		switch {
		case t.kind == tokOp && t.text == ".":
			p.i++
			name := p.cur()
			if name.kind != tokIdent {
				return nil, errAt(name.pos, "expected attribute name")
			}
			p.i++
			e = &attrExpr{x: e, name: name.text, pos: t.pos}

		case t.kind == tokOp && t.text == "[":
			p.i++
			idx, err := p.parseIndex(e, t.pos)
			if err != nil {
				return nil, err
			}
			e = idx

		case t.kind == tokOp && t.text == "(":
			p.i++
			args, kwargs, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			e = &callExpr{fn: e, args: args, kwargs: kwargs, pos: t.pos}

		case t.kind == tokOp && t.text == "|":
			p.i++
			name := p.cur()
			if name.kind != tokIdent {
				return nil, errAt(name.pos, "expected filter name")
			}
			p.i++
			f := &filterExpr{x: e, name: name.text, pos: t.pos}
			if p.acceptOp("(") {
				args, kwargs, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				f.args, f.kwargs = args, kwargs
			}
			e = f

		case t.kind == tokIdent && t.text == "is":
			p.i++
			negate := p.acceptIdent("not")
			name := p.cur()
			if name.kind != tokIdent {
				return nil, errAt(name.pos, "expected test name")
			}
			p.i++
			test := &testExpr{x: e, name: name.text, negate: negate, pos: t.pos}
			if p.acceptOp("(") {
				args, _, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				test.args = args
			} else if bare, ok := p.bareTestArg(); ok {
				test.args = []expr{bare}
			}
			e = test

		default:
			return e, nil
		}
	}
}

// bareTestArg accepts the argument-without-parentheses test form,
// e.g. `x is divisibleby 3`. Only literals qualify; an identifier
// here belongs to the surrounding expression (`x is defined and y`).
func (p *exprParser) bareTestArg() (expr, bool) {
	t := p.cur()
	switch t.kind {
	case tokInt, tokFloat, tokString:
		e, err := p.parsePrimary()
		if err != nil {
			return nil, false
		}
		return e, true
	}
	return nil, false
}

// parseIndex parses [expr] or [lo:hi] with the opening bracket
// consumed.
func (p *exprParser) parseIndex(x expr, pos int) (expr, error) {
	out := &indexExpr{x: x, pos: pos}
	if p.cur().kind == tokOp && p.cur().text == ":" {
		out.isSlice = true
	} else {
		first, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.cur().kind == tokOp && p.cur().text == ":" {
			out.isSlice = true
			out.lo = first
		} else {
			out.idx = first
		}
	}
	if out.isSlice {
		p.i++ // ':'
		if !(p.cur().kind == tokOp && p.cur().text == "]") {
			hi, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			out.hi = hi
		}
	}
	if err := p.expectOp("]"); err != nil {
		return nil, err
	}
	return out, nil
}

// parseArgs parses a call argument list with the opening paren
// consumed, through the closing paren.
func (p *exprParser) parseArgs() ([]expr, map[string]expr, error) {
	var args []expr
	var kwargs map[string]expr
	for {
		if p.acceptOp(")") {
			return args, kwargs, nil
		}
		if len(args) > 0 || len(kwargs) > 0 {
			if err := p.expectOp(","); err != nil {
				return nil, nil, err
			}
			// Trailing comma.
			if p.acceptOp(")") {
				return args, kwargs, nil
			}
		}
		// name=value keyword form.
		if p.cur().kind == tokIdent && p.toks[p.i+1].kind == tokOp && p.toks[p.i+1].text == "=" &&
			!(p.toks[p.i+2].kind == tokOp && p.toks[p.i+2].text == "=") {
			name := p.next().text
			p.i++ // '='
			v, err := p.parseExpr()
			if err != nil {
				return nil, nil, err
			}
			if kwargs == nil {
				kwargs = make(map[string]expr)
			}
			kwargs[name] = v
			continue
		}
		a, err := p.parseExpr()
		if err != nil {
			return nil, nil, err
		}
		args = append(args, a)
	}
}

func (p *exprParser) parsePrimary() (expr, error) {
	t := p.cur()
	switch t.kind {
	case tokInt:
		p.i++
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, errAt(t.pos, "bad integer %q", t.text)
		}
		return &litExpr{val: n, pos: t.pos}, nil

	case tokFloat:
		p.i++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errAt(t.pos, "bad number %q", t.text)
		}
		return &litExpr{val: f, pos: t.pos}, nil

	case tokString:
		p.i++
		return &litExpr{val: t.text, pos: t.pos}, nil

	case tokIdent:
		p.i++
		switch t.text {
		case "true", "True":
			return &litExpr{val: true, pos: t.pos}, nil
		case "false", "False":
			return &litExpr{val: false, pos: t.pos}, nil
		case "none", "None", "null":
			return &litExpr{val: nil, pos: t.pos}, nil
		}
		return &nameExpr{name: t.text, pos: t.pos}, nil

	case tokOp:
		switch t.text {
		case "(":
			p.i++
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			// Tuples become lists.
			if p.cur().kind == tokOp && p.cur().text == "," {
				items := []expr{e}
				for p.acceptOp(",") {
					if p.cur().kind == tokOp && p.cur().text == ")" {
						break
					}
					item, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					items = append(items, item)
				}
				if err := p.expectOp(")"); err != nil {
					return nil, err
				}
				return &listExpr{items: items, pos: t.pos}, nil
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return e, nil

		case "[":
			p.i++
			out := &listExpr{pos: t.pos}
			for {
				if p.acceptOp("]") {
					return out, nil
				}
				if len(out.items) > 0 {
					if err := p.expectOp(","); err != nil {
						return nil, err
					}
					if p.acceptOp("]") {
						return out, nil
					}
				}
				item, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				out.items = append(out.items, item)
			}

		case "{":
			p.i++
			out := &dictExpr{pos: t.pos}
			for {
				if p.acceptOp("}") {
					return out, nil
				}
				if len(out.keys) > 0 {
					if err := p.expectOp(","); err != nil {
						return nil, err
					}
					if p.acceptOp("}") {
						return out, nil
					}
				}
				k, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				if err := p.expectOp(":"); err != nil {
					return nil, err
				}
				v, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				out.keys = append(out.keys, k)
				out.vals = append(out.vals, v)
			}
		}
	}
	return nil, errAt(t.pos, "unexpected %q", t.text)
}
