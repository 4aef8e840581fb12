package template

import (
	"fmt"
	"strings"
)

// segKind distinguishes the top-level pieces of a template.
type segKind int

const (
	segText segKind = iota
	segOutput
	segStatement
	segComment
)

// segment is one top-level piece: literal text, an output block, a
// statement block, or a comment.
type segment struct {
	kind      segKind
	body      string // expression or statement source, blocks only
	text      string // literal text, segText only
	pos       int    // byte offset of the segment start
	trimLeft  bool   // {%- style markers
	trimRight bool
}

// splitSegments scans the raw template into segments. Delimiters are
// {{ }}, {% %}, and {# #}, with optional - markers for whitespace
// control.
func splitSegments(src string) ([]segment, error) {
	var segs []segment
	i := 0
	for i < len(src) {
		open := strings.IndexByte(src[i:], '{')
		if open < 0 || i+open+1 >= len(src) {
			segs = append(segs, segment{kind: segText, text: src[i:], pos: i})
			break
		}
		open += i
		var kind segKind
		var closer string
		switch src[open+1] {
		case '{':
			kind, closer = segOutput, "}}"
		case '%':
			kind, closer = segStatement, "%}"
		case '#':
			kind, closer = segComment, "#}"
		default:
			// A lone brace is literal text. Emit up to and including
			// it and continue scanning.
			segs = append(segs, segment{kind: segText, text: src[i : open+1], pos: i})
			i = open + 1
			continue
		}
		if open > i {
			segs = append(segs, segment{kind: segText, text: src[i:open], pos: i})
		}
		end := strings.Index(src[open+2:], closer)
		if end < 0 {
			return nil, &Error{Msg: fmt.Sprintf("unclosed %q block", src[open:open+2]), Pos: open}
		}
		end += open + 2
		body := src[open+2 : end]
		seg := segment{kind: kind, pos: open}
		if strings.HasPrefix(body, "-") {
			seg.trimLeft = true
			body = body[1:]
		}
		if strings.HasSuffix(body, "-") {
			seg.trimRight = true
			body = body[:len(body)-1]
		}
		seg.body = strings.TrimSpace(body)
		segs = append(segs, seg)
		i = end + 2
	}
	return segs, nil
}

// tokKind is an expression token type.
type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokOp
)

type token struct {
	kind tokKind
	text string
	pos  int
}

// twoByteOps are recognized before single-byte operators.
var twoByteOps = []string{"**", "//", "==", "!=", "<=", ">="}

// lexExpr tokenizes one expression or statement body.
func lexExpr(src string, base int) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			j := i
			isFloat := false
			for j < len(src) && (isDigit(src[j]) || src[j] == '.' || src[j] == 'e' || src[j] == 'E' ||
				((src[j] == '+' || src[j] == '-') && j > i && (src[j-1] == 'e' || src[j-1] == 'E'))) {
				if src[j] == '.' || src[j] == 'e' || src[j] == 'E' {
					isFloat = true
				}
				j++
			}
			kind := tokInt
			if isFloat {
				kind = tokFloat
			}
			toks = append(toks, token{kind: kind, text: src[i:j], pos: base + i})
			i = j

		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: base + i})
			i = j

		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var b strings.Builder
			closed := false
			for j < len(src) {
				if src[j] == '\\' && j+1 < len(src) {
					switch src[j+1] {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					case '\\', '\'', '"':
						b.WriteByte(src[j+1])
					default:
						b.WriteByte('\\')
						b.WriteByte(src[j+1])
					}
					j += 2
					continue
				}
				if src[j] == quote {
					closed = true
					break
				}
				b.WriteByte(src[j])
				j++
			}
			if !closed {
				return nil, &Error{Msg: "unterminated string", Pos: base + i}
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: base + i})
			i = j + 1

		default:
			matched := false
			if i+1 < len(src) {
				two := src[i : i+2]
				for _, op := range twoByteOps {
					if two == op {
						toks = append(toks, token{kind: tokOp, text: op, pos: base + i})
						i += 2
						matched = true
						break
					}
				}
			}
			if matched {
				continue
			}
			if strings.IndexByte("+-*/%()[]{}.,:|<>=~!", c) < 0 {
				return nil, &Error{Msg: fmt.Sprintf("unexpected character %q", c), Pos: base + i}
			}
			toks = append(toks, token{kind: tokOp, text: string(c), pos: base + i})
			i++
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: base + len(src)})
	return toks, nil
}

func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isIdentPart(c byte) bool  { return isIdentStart(c) || isDigit(c) }
