package expressions

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/rendis/artgen/pkg/schema"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokName
	tokOp
)

type token struct {
	kind tokenKind
	text string
	val  any // parsed literal for numbers and strings
	pos  int
}

// keywords are names with grammatical meaning; they can't be variables.
var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "in": true, "if": true, "else": true,
	"true": true, "True": true, "false": true, "False": true,
	"none": true, "None": true, "null": true,
}

// twoCharOps must be checked before single-character operators.
var twoCharOps = []string{"==", "!=", "<=", ">=", "//", "&&", "||"}

const singleCharOps = "<>+-*/%()[],.?:!"

// lex splits src into tokens. It never panics; malformed input yields an
// EXPRESSION_ERROR carrying the byte offset.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		if isDigit(c) || (c == '.' && i+1 < len(src) && isDigit(src[i+1])) {
			start := i
			for i < len(src) && isDigit(src[i]) {
				i++
			}
			isFloat := false
			if i < len(src) && src[i] == '.' && i+1 < len(src) && isDigit(src[i+1]) {
				isFloat = true
				i++
				for i < len(src) && isDigit(src[i]) {
					i++
				}
			}
			if i < len(src) && (src[i] == 'e' || src[i] == 'E') {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && isDigit(src[j]) {
					isFloat = true
					i = j
					for i < len(src) && isDigit(src[i]) {
						i++
					}
				}
			}
			text := src[start:i]
			tok := token{kind: tokNumber, text: text, pos: start}
			if isFloat {
				f, err := strconv.ParseFloat(text, 64)
				if err != nil {
					return nil, syntaxError(src, start, "invalid number %q", text)
				}
				tok.val = f
			} else {
				n, err := strconv.Atoi(text)
				if err != nil {
					f, ferr := strconv.ParseFloat(text, 64)
					if ferr != nil {
						return nil, syntaxError(src, start, "invalid number %q", text)
					}
					tok.val = f
				} else {
					tok.val = n
				}
			}
			toks = append(toks, tok)
			continue
		}

		if c == '\'' || c == '"' {
			s, next, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: src[i:next], val: s, pos: i})
			i = next
			continue
		}

		if isNameStart(rune(c)) {
			start := i
			for i < len(src) && isNamePart(rune(src[i])) {
				i++
			}
			toks = append(toks, token{kind: tokName, text: src[start:i], pos: start})
			continue
		}

		matched := false
		for _, op := range twoCharOps {
			if strings.HasPrefix(src[i:], op) {
				toks = append(toks, token{kind: tokOp, text: op, pos: i})
				i += len(op)
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		if strings.IndexByte(singleCharOps, c) >= 0 {
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
			continue
		}

		return nil, syntaxError(src, i, "unexpected character %q", string(c))
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		if c == quote {
			return b.String(), i + 1, nil
		}
		if c == '\\' && i+1 < len(src) {
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\':
				b.WriteByte('\\')
			case '\'':
				b.WriteByte('\'')
			case '"':
				b.WriteByte('"')
			default:
				b.WriteByte('\\')
				b.WriteByte(src[i])
			}
			i++
			continue
		}
		b.WriteByte(c)
		i++
	}
	return "", 0, syntaxError(src, start, "unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isNamePart(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }

func syntaxError(src string, pos int, format string, args ...any) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeExpression, "syntax error at %d: "+format, append([]any{pos}, args...)...).
		WithDetails(map[string]any{"expression": src, "position": pos})
}
