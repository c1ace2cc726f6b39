// Package value holds the generic result type returned by value-mode
// evaluations and the heuristic classifier that produces it.
package value

import (
	"encoding/json"
	"strings"
)

// Kind tags the active member of a Value.
type Kind int

const (
	// KindScalar is an opaque textual atom.
	KindScalar Kind = iota
	// KindList is an ordered sequence of values.
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindList:
		return "list"
	default:
		return "unknown"
	}
}

// Value is either a Scalar(text) or a List of values.
type Value struct {
	kind  Kind
	text  string
	items []Value
}

// Scalar returns a scalar value carrying text verbatim.
func Scalar(text string) Value {
	return Value{kind: KindScalar, text: text}
}

// List returns a list value. A nil slice yields the empty list.
func List(items ...Value) Value {
	copied := make([]Value, len(items))
	copy(copied, items)
	return Value{kind: KindList, items: copied}
}

// Kind reports whether v is a scalar or a list.
func (v Value) Kind() Kind {
	return v.kind
}

// IsList reports whether v is a list.
func (v Value) IsList() bool {
	return v.kind == KindList
}

// Text returns the scalar text, or "" for lists.
func (v Value) Text() string {
	if v.kind != KindScalar {
		return ""
	}
	return v.text
}

// Items returns a copy of the list elements, or nil for scalars.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	copied := make([]Value, len(v.items))
	copy(copied, v.items)
	return copied
}

// Len returns the number of list elements, or 0 for scalars.
func (v Value) Len() int {
	return len(v.items)
}

// Equal reports deep equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	if v.kind == KindScalar {
		return v.text == other.text
	}
	if len(v.items) != len(other.items) {
		return false
	}
	for i := range v.items {
		if !v.items[i].Equal(other.items[i]) {
			return false
		}
	}
	return true
}

// String prints lists back as vector literals and scalars verbatim.
func (v Value) String() string {
	if v.kind == KindScalar {
		return v.text
	}
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	if v.kind == KindScalar {
		b.WriteString(v.text)
		return
	}
	b.WriteByte('[')
	for i, item := range v.items {
		if i > 0 {
			b.WriteByte(' ')
		}
		item.write(b)
	}
	b.WriteByte(']')
}

// MarshalJSON encodes scalars as strings and lists as arrays.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindScalar {
		return json.Marshal(v.text)
	}
	items := v.items
	if items == nil {
		items = []Value{}
	}
	return json.Marshal(items)
}
