// Package manifest turns the first bundle entry (a libconfig-like or JSON
// text manifest) into the in-memory bundle descriptor. The parser
// abstraction (Node) is grounded on the teacher's habit of giving every
// accessor a single, small, well-named entry point (see parser.go's
// ParsePackageDefinition and its per-field parse* helpers). Instead of the
// source's parsertype-switch-in-every-accessor pattern, both syntaxes are
// parsed into one shared tree shape that a single Node type reads.
package manifest

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/swupdate/agent-core/internal/errs"
)

// Syntax identifies which concrete syntax a manifest was written in.
type Syntax int

const (
	// SyntaxLibconfig is the libconfig-like nested-map syntax.
	SyntaxLibconfig Syntax = iota
	// SyntaxJSON is plain JSON.
	SyntaxJSON
)

// Node is a parser-agnostic handle onto one value in a parsed manifest
// tree. Both syntax backends produce trees of Node built from the same
// underlying Go values (map[string]interface{}, []interface{}, string,
// bool, json.Number), so a single implementation serves both — the
// syntaxes only differ in how raw text becomes that tree (see parseJSON
// below and libconfig.go).
type Node struct {
	v interface{}
}

// wrap builds a Node around a raw decoded value.
func wrap(v interface{}) Node {
	return Node{v: v}
}

// IsZero reports whether this Node holds no value (e.g. a missing field).
func (n Node) IsZero() bool {
	return n.v == nil
}

// GetChild implements get_child: looks up a named field of a mapping
// node. Returns false if n is not a mapping or the field is absent.
func (n Node) GetChild(name string) (Node, bool) {
	m, ok := n.v.(map[string]interface{})
	if !ok {
		return Node{}, false
	}
	v, ok := m[name]
	if !ok {
		return Node{}, false
	}
	return wrap(v), true
}

// ExistField implements exist_field.
func (n Node) ExistField(name string) bool {
	_, ok := n.GetChild(name)
	return ok
}

// GetArrayLength implements get_array_length. Non-list nodes have length 0.
func (n Node) GetArrayLength() int {
	l, ok := n.v.([]interface{})
	if !ok {
		return 0
	}
	return len(l)
}

// GetElemAt implements get_elem_at.
func (n Node) GetElemAt(i int) (Node, bool) {
	l, ok := n.v.([]interface{})
	if !ok || i < 0 || i >= len(l) {
		return Node{}, false
	}
	return wrap(l[i]), true
}

// IterateMapping implements iterate_mapping, yielding keys in a stable
// (sorted) order so that manifest processing is deterministic.
func (n Node) IterateMapping(fn func(key string, child Node) error) error {
	m, ok := n.v.(map[string]interface{})
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortStrings(keys)
	for _, k := range keys {
		if err := fn(k, wrap(m[k])); err != nil {
			return err
		}
	}
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// GetFieldString implements get_field_string.
func (n Node) GetFieldString(name string) (string, bool) {
	child, ok := n.GetChild(name)
	if !ok {
		return "", false
	}
	return child.String()
}

// String coerces a scalar node to a string.
func (n Node) String() (string, bool) {
	switch v := n.v.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

// GetFieldInt implements get_field_int.
func (n Node) GetFieldInt(name string) (int64, bool) {
	child, ok := n.GetChild(name)
	if !ok {
		return 0, false
	}
	return child.Int()
}

// Int coerces a scalar node to an integer.
func (n Node) Int() (int64, bool) {
	switch v := n.v.(type) {
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			f, ferr := v.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// GetFieldBool implements get_field_bool.
func (n Node) GetFieldBool(name string) (bool, bool) {
	child, ok := n.GetChild(name)
	if !ok {
		return false, false
	}
	return child.Bool()
}

// Bool coerces a scalar node to a boolean.
func (n Node) Bool() (bool, bool) {
	b, ok := n.v.(bool)
	return b, ok
}

// GetFieldFloat implements get_field_float.
func (n Node) GetFieldFloat(name string) (float64, bool) {
	child, ok := n.GetChild(name)
	if !ok {
		return 0, false
	}
	return child.Float()
}

// Float coerces a scalar node to a float.
func (n Node) Float() (float64, bool) {
	switch v := n.v.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// IsMapping reports whether n is a mapping node.
func (n Node) IsMapping() bool {
	_, ok := n.v.(map[string]interface{})
	return ok
}

// DetectSyntax implements the "auto-select from the first non-whitespace
// character" rule: a manifest beginning with '{' is JSON, everything else
// is treated as libconfig-like (a libconfig document's root is an implicit
// mapping of top-level assignments, never itself wrapped in braces).
func DetectSyntax(data []byte) Syntax {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return SyntaxJSON
		default:
			return SyntaxLibconfig
		}
	}
	return SyntaxLibconfig
}

// Parse parses data with the syntax auto-selected by DetectSyntax and
// returns the root Node (always a mapping).
func Parse(data []byte) (Node, error) {
	switch DetectSyntax(data) {
	case SyntaxJSON:
		return parseJSON(data)
	default:
		return parseLibconfig(data)
	}
}

func parseJSON(data []byte) (Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return Node{}, errs.New(errs.ManifestSyntax, "invalid json manifest: %v", err)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return Node{}, errs.New(errs.ManifestSyntax, "json manifest root must be an object")
	}
	return wrap(m), nil
}
