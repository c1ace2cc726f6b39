package value

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var bracketedListPattern = regexp.MustCompile(`(?s)^\[.*\]$`)

var literalRewriter = strings.NewReplacer(
	"[", "(",
	"]", ")",
	", ", " ",
	"'", `"`,
)

// Classify converts captured text into a Value. Text that looks like a
// bracketed collection literal is rewritten into generic list syntax and read
// into nested lists; anything else, including text the reader rejects, comes
// back unchanged as a Scalar.
func Classify(text string) Value {
	trimmed := strings.TrimSpace(text)
	if !bracketedListPattern.MatchString(trimmed) {
		return Scalar(text)
	}

	parsed, err := readLiteral(literalRewriter.Replace(trimmed))
	if err != nil {
		return Scalar(text)
	}
	return parsed
}

var errUnbalanced = errors.New("unbalanced list delimiters")

type literalReader struct {
	src string
	pos int
}

func readLiteral(src string) (Value, error) {
	r := &literalReader{src: src}
	form, err := r.readForm()
	if err != nil {
		return Value{}, err
	}
	r.skipSeparators()
	if r.pos < len(r.src) {
		return Value{}, fmt.Errorf("trailing input at offset %d", r.pos)
	}
	return form, nil
}

func (r *literalReader) readForm() (Value, error) {
	r.skipSeparators()
	if r.pos >= len(r.src) {
		return Value{}, errors.New("unexpected end of input")
	}

	switch r.src[r.pos] {
	case '(':
		r.pos++
		return r.readList()
	case ')':
		return Value{}, errUnbalanced
	case '"':
		return r.readString()
	default:
		return r.readAtom(), nil
	}
}

func (r *literalReader) readList() (Value, error) {
	items := []Value{}
	for {
		r.skipSeparators()
		if r.pos >= len(r.src) {
			return Value{}, errUnbalanced
		}
		if r.src[r.pos] == ')' {
			r.pos++
			return List(items...), nil
		}
		item, err := r.readForm()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
}

func (r *literalReader) readString() (Value, error) {
	start := r.pos
	r.pos++
	for r.pos < len(r.src) {
		switch r.src[r.pos] {
		case '\\':
			r.pos += 2
		case '"':
			r.pos++
			return Scalar(r.src[start:r.pos]), nil
		default:
			r.pos++
		}
	}
	return Value{}, errors.New("unterminated string literal")
}

func (r *literalReader) readAtom() Value {
	start := r.pos
	for r.pos < len(r.src) {
		c := r.src[r.pos]
		if c == '\\' {
			r.pos += 2
			continue
		}
		if isSeparator(c) || c == '(' || c == ')' || c == '"' {
			break
		}
		r.pos++
	}
	if r.pos > len(r.src) {
		r.pos = len(r.src)
	}
	return Scalar(r.src[start:r.pos])
}

func (r *literalReader) skipSeparators() {
	for r.pos < len(r.src) && isSeparator(r.src[r.pos]) {
		r.pos++
	}
}

// Commas read as whitespace, as in the evaluated language.
func isSeparator(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\f', ',':
		return true
	default:
		return false
	}
}
