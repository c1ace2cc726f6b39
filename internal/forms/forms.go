// Package forms synthesizes the exact Clojure source text handed to a REPL
// session or a one-shot process: let-bindings around the snippet body and,
// for value capture in a one-shot process, a wrapper that routes the return
// value to a side-channel file.
package forms

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cljeval/cljeval/internal/value"
)

const wrapperNamespace = "cljeval.wrapper"

const (
	invalidNameChars  = " \t\r\n,()[]{}\";`~^@\\"
	invalidNamePrefix = "'#:"
)

// Binding is one lexical variable made visible to a snippet body.
type Binding struct {
	Name  string
	Value any
}

// Bindings is an ordered list of bindings. Order is significant: it becomes
// the let-binding order, so later bindings may refer to earlier ones.
type Bindings []Binding

// With returns a copy of b with name bound to v appended.
func (b Bindings) With(name string, v any) Bindings {
	out := make(Bindings, len(b), len(b)+1)
	copy(out, b)
	return append(out, Binding{Name: name, Value: v})
}

// Names returns binding names in order.
func (b Bindings) Names() []string {
	names := make([]string, 0, len(b))
	for _, binding := range b {
		names = append(names, binding.Name)
	}
	return names
}

// Validate rejects empty names and names the reader would not see as a
// single symbol: whitespace, delimiters, comments and reader macros.
func (b Bindings) Validate() error {
	for i, binding := range b {
		name := strings.TrimSpace(binding.Name)
		if name == "" {
			return fmt.Errorf("binding %d: name is required", i)
		}
		if strings.ContainsAny(name, invalidNameChars) || strings.ContainsAny(name[:1], invalidNamePrefix) {
			return fmt.Errorf("binding %d: invalid name %q", i, binding.Name)
		}
	}
	return nil
}

// Build wraps body in a let form binding every entry of bindings, in order.
// Leading and trailing whitespace of body is dropped. With no bindings the
// trimmed body is returned as is.
func Build(body string, bindings Bindings) string {
	body = strings.TrimSpace(body)
	if len(bindings) == 0 {
		return body
	}

	var b strings.Builder
	b.WriteString("(let [")
	for i, binding := range bindings {
		if i > 0 {
			b.WriteString("\n      ")
		}
		b.WriteString(strings.TrimSpace(binding.Name))
		b.WriteByte(' ')
		b.WriteString(RenderBinding(binding.Value))
	}
	b.WriteString("]\n")
	b.WriteString(body)
	// A trailing line comment in body must not swallow the closing paren.
	b.WriteString("\n)")
	return b.String()
}

// BuildWrapper returns a standalone program that evaluates source inside an
// entry-point function and writes the printed return value to sinkPath.
// A one-shot process mixes banner and diagnostic text into stdout, so the
// value travels through the sink file instead.
func BuildWrapper(source string, sinkPath string) (string, error) {
	if strings.TrimSpace(sinkPath) == "" {
		return "", errors.New("result sink path is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "(ns %s\n  (:require [clojure.java.io :as io]))\n\n", wrapperNamespace)
	b.WriteString("(defn- write-result [path content]\n")
	b.WriteString("  (with-open [w (io/writer path)]\n")
	b.WriteString("    (.write w (str content))))\n\n")
	b.WriteString("(defn main []\n")
	b.WriteString(strings.TrimSpace(source))
	b.WriteString("\n)\n\n")
	fmt.Fprintf(&b, "(write-result %s (pr-str (main)))\n", quoteString(sinkPath))
	b.WriteString("(shutdown-agents)\n")
	return b.String(), nil
}

// RenderBinding renders a binding value: collections as quoted list literals,
// everything else as its printed literal form.
func RenderBinding(v any) string {
	if isCollection(v) {
		return "'" + renderLiteral(v)
	}
	return renderLiteral(v)
}

func isCollection(v any) bool {
	switch typed := v.(type) {
	case value.Value:
		return typed.IsList()
	case nil, string, Symbol, []byte:
		return false
	}
	return isReflectCollection(v)
}
