package document

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cljeval/cljeval/internal/engine"
	"github.com/cljeval/cljeval/internal/forms"
)

// ParseHeader parses a fence info string. The first word is the language;
// the rest are :key value pairs. Values may contain spaces inside brackets
// or double quotes, so ":var xs=[1 2 3]" is one pair.
func ParseHeader(info string) (Header, error) {
	tokens, err := splitArgs(info)
	if err != nil {
		return Header{}, err
	}

	header := Header{}
	if len(tokens) == 0 {
		return header, nil
	}
	tokens = tokens[1:]

	for i := 0; i < len(tokens); i++ {
		key := tokens[i]
		if !strings.HasPrefix(key, ":") {
			return Header{}, fmt.Errorf("header argument %q is not a :key", key)
		}
		val := ""
		if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], ":") {
			val = tokens[i+1]
			i++
		}

		switch key {
		case ":session":
			if val == "" {
				return Header{}, errors.New(":session needs an id")
			}
			header.Session = val
		case ":results":
			kind, err := engine.ParseResultKind(val)
			if err != nil {
				return Header{}, fmt.Errorf(":results: %w", err)
			}
			header.Results = kind
			header.ResultsSet = true
		case ":var":
			binding, err := forms.ParseAssignment(val)
			if err != nil {
				return Header{}, fmt.Errorf(":var: %w", err)
			}
			header.Vars = append(header.Vars, binding)
		case ":eval":
			header.Skip = strings.EqualFold(val, "no") || strings.EqualFold(val, "never")
		default:
			header.Unknown = append(header.Unknown, key)
		}
	}
	return header, nil
}

func splitArgs(info string) ([]string, error) {
	var (
		tokens   []string
		current  strings.Builder
		depth    int
		inString bool
		escaped  bool
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range info {
		if inString {
			current.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch {
		case r == '"':
			inString = true
			current.WriteRune(r)
		case strings.ContainsRune("([{", r):
			depth++
			current.WriteRune(r)
		case strings.ContainsRune(")]}", r):
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced %q in header %q", r, info)
			}
			current.WriteRune(r)
		case unicode.IsSpace(r) && depth == 0:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	if inString {
		return nil, fmt.Errorf("unterminated string in header %q", info)
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced brackets in header %q", info)
	}
	flush()
	return tokens, nil
}
