package forms

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cljeval/cljeval/internal/value"
	"gopkg.in/yaml.v3"
)

// ParseAssignment parses a `name=value` argument. Values that read as a
// bracketed collection become lists; anything else is bound verbatim.
func ParseAssignment(arg string) (Binding, error) {
	name, raw, ok := strings.Cut(arg, "=")
	if !ok {
		return Binding{}, fmt.Errorf("binding %q must have the form name=value", arg)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Binding{}, fmt.Errorf("binding %q: name is required", arg)
	}

	raw = strings.TrimSpace(raw)
	classified := value.Classify(raw)
	if classified.IsList() {
		return Binding{Name: name, Value: classified}, nil
	}
	return Binding{Name: name, Value: Symbol(raw)}, nil
}

// ParseAssignments parses every argument with ParseAssignment, keeping order.
func ParseAssignments(args []string) (Bindings, error) {
	bindings := make(Bindings, 0, len(args))
	for _, arg := range args {
		binding, err := ParseAssignment(arg)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	return bindings, nil
}

// LoadBindingsYAML reads bindings from a YAML mapping. Keys keep their file
// order. Quoted or plain strings bind as strings, other scalars bind as their
// literal text, sequences bind as lists.
func LoadBindingsYAML(r io.Reader) (Bindings, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Bindings{}, nil
		}
		return nil, fmt.Errorf("decode bindings yaml: %w", err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return Bindings{}, nil
		}
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("decode bindings yaml: line %d: expected mapping", root.Line)
	}

	bindings := make(Bindings, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i]
		converted, err := yamlNodeValue(root.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("decode binding %q: %w", key.Value, err)
		}
		bindings = append(bindings, Binding{Name: key.Value, Value: converted})
	}
	if err := bindings.Validate(); err != nil {
		return nil, err
	}
	return bindings, nil
}

func yamlNodeValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.AliasNode:
		if node.Alias == nil {
			return nil, fmt.Errorf("line %d: dangling alias", node.Line)
		}
		return yamlNodeValue(node.Alias)
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!str", "!!binary", "!!timestamp":
			return node.Value, nil
		case "!!null":
			return nil, nil
		default:
			return Symbol(node.Value), nil
		}
	case yaml.SequenceNode:
		items := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			item, err := yamlNodeValue(child)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	case yaml.MappingNode:
		entries := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			item, err := yamlNodeValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			entries[node.Content[i].Value] = item
		}
		return entries, nil
	default:
		return nil, fmt.Errorf("line %d: unsupported yaml node", node.Line)
	}
}
