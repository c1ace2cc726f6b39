package forms

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cljeval/cljeval/internal/value"
)

// Symbol is source text emitted verbatim, without string quoting. Header
// and CLI arguments arrive as Symbols so `x=1` binds the number 1.
type Symbol string

func renderLiteral(v any) string {
	switch typed := v.(type) {
	case nil:
		return "nil"
	case Symbol:
		return string(typed)
	case string:
		return quoteString(typed)
	case []byte:
		return quoteString(string(typed))
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		return formatFloat(typed)
	case float32:
		return formatFloat(float64(typed))
	case value.Value:
		return renderValue(typed)
	case fmt.Stringer:
		return quoteString(typed.String())
	}
	return renderReflect(reflect.ValueOf(v))
}

func renderValue(v value.Value) string {
	if !v.IsList() {
		return v.Text()
	}
	parts := make([]string, 0, v.Len())
	for _, item := range v.Items() {
		parts = append(parts, renderValue(item))
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func renderReflect(rv reflect.Value) string {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return "nil"
		}
		return renderLiteral(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, renderLiteral(rv.Index(i).Interface()))
		}
		return "(" + strings.Join(parts, " ") + ")"
	case reflect.Map:
		entries := make([]string, 0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			entries = append(entries, renderLiteral(iter.Key().Interface())+" "+renderLiteral(iter.Value().Interface()))
		}
		sort.Strings(entries)
		return "{" + strings.Join(entries, ", ") + "}"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return formatFloat(rv.Float())
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool())
	case reflect.String:
		return quoteString(rv.String())
	default:
		return quoteString(fmt.Sprint(rv.Interface()))
	}
}

func isReflectCollection(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	default:
		return false
	}
}

func formatFloat(f float64) string {
	text := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(text, ".eENI") {
		text += ".0"
	}
	return text
}

// quoteString renders s as a double-quoted string literal.
func quoteString(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
				continue
			}
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
