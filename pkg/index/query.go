package index

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Document is a nested JSON-like document: maps, slices and scalars.
type Document map[string]any

// NewDocument converts any JSON-marshalable value into a Document.
func NewDocument(v any) (Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Query is a stored percolator query over a Document.
//
// This is a sealed interface: only types in this package implement it. The
// marker method keeps type switches over queries exhaustive and prevents
// external extensions of the query language.
type Query interface {
	queryNode()

	// Matches evaluates the query against doc.
	Matches(doc Document) bool
}

// Term matches when the value at a dotted field path equals Value. If the
// path resolves to a list, any element may match.
type Term struct {
	Field string
	Value any
}

func (*Term) queryNode() {}

// Bool combines sub-queries: every Must matches, no MustNot matches, and at
// least one Should matches when Should clauses are present without Must.
type Bool struct {
	Must    []Query
	Should  []Query
	MustNot []Query
}

func (*Bool) queryNode() {}

// Nested matches when any object in the list at Path satisfies the inner
// query, with field paths resolved relative to that object.
type Nested struct {
	Path  string
	Query Query
}

func (*Nested) queryNode() {}

func (t *Term) Matches(doc Document) bool {
	v, ok := resolvePath(doc, t.Field)
	if !ok {
		return false
	}
	return valueMatches(v, t.Value)
}

func (b *Bool) Matches(doc Document) bool {
	for _, q := range b.Must {
		if !q.Matches(doc) {
			return false
		}
	}
	for _, q := range b.MustNot {
		if q.Matches(doc) {
			return false
		}
	}
	if len(b.Should) > 0 && len(b.Must) == 0 {
		for _, q := range b.Should {
			if q.Matches(doc) {
				return true
			}
		}
		return false
	}
	return true
}

func (n *Nested) Matches(doc Document) bool {
	v, ok := resolvePath(doc, n.Path)
	if !ok {
		return false
	}
	list, ok := v.([]any)
	if !ok {
		// A single object at the path behaves like a one-element list.
		if obj, isObj := v.(map[string]any); isObj {
			return n.Query.Matches(Document(obj))
		}
		return false
	}
	for _, elem := range list {
		obj, isObj := elem.(map[string]any)
		if !isObj {
			continue
		}
		if n.Query.Matches(Document(obj)) {
			return true
		}
	}
	return false
}

// resolvePath walks a dotted path through nested maps. Intermediate lists are
// flattened: the remaining path is resolved against each element and the
// matching values are collected.
func resolvePath(doc Document, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = map[string]any(doc)
	for i, part := range parts {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			rest := strings.Join(parts[i:], ".")
			var collected []any
			for _, elem := range node {
				obj, isObj := elem.(map[string]any)
				if !isObj {
					continue
				}
				if v, ok := resolvePath(Document(obj), rest); ok {
					collected = append(collected, v)
				}
			}
			if len(collected) == 0 {
				return nil, false
			}
			return collected, true
		default:
			return nil, false
		}
	}
	return cur, true
}

// valueMatches compares a resolved document value against a query value.
// Scalars compare on their canonical string form, which makes JSON numbers
// and typed Go values interchangeable.
func valueMatches(resolved, want any) bool {
	if list, ok := resolved.([]any); ok {
		for _, elem := range list {
			if valueMatches(elem, want) {
				return true
			}
		}
		return false
	}
	return scalarString(resolved) == scalarString(want)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// ParseQuery parses the JSON wire form of a percolator query. The language is
// the boolean subset {bool, term, nested}; unknown node kinds are rejected.
func ParseQuery(data []byte) (Query, error) {
	var node map[string]json.RawMessage
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	if len(node) != 1 {
		return nil, fmt.Errorf("invalid query: expected exactly one of bool, term, nested")
	}

	if raw, ok := node["term"]; ok {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("invalid term query: %w", err)
		}
		if len(fields) != 1 {
			return nil, fmt.Errorf("invalid term query: expected exactly one field")
		}
		for field, value := range fields {
			return &Term{Field: field, Value: value}, nil
		}
	}

	if raw, ok := node["bool"]; ok {
		var clauses struct {
			Must    []json.RawMessage `json:"must"`
			Should  []json.RawMessage `json:"should"`
			MustNot []json.RawMessage `json:"must_not"`
		}
		if err := json.Unmarshal(raw, &clauses); err != nil {
			return nil, fmt.Errorf("invalid bool query: %w", err)
		}
		b := &Bool{}
		for _, raw := range clauses.Must {
			q, err := ParseQuery(raw)
			if err != nil {
				return nil, err
			}
			b.Must = append(b.Must, q)
		}
		for _, raw := range clauses.Should {
			q, err := ParseQuery(raw)
			if err != nil {
				return nil, err
			}
			b.Should = append(b.Should, q)
		}
		for _, raw := range clauses.MustNot {
			q, err := ParseQuery(raw)
			if err != nil {
				return nil, err
			}
			b.MustNot = append(b.MustNot, q)
		}
		return b, nil
	}

	if raw, ok := node["nested"]; ok {
		var nested struct {
			Path  string          `json:"path"`
			Query json.RawMessage `json:"query"`
		}
		if err := json.Unmarshal(raw, &nested); err != nil {
			return nil, fmt.Errorf("invalid nested query: %w", err)
		}
		if nested.Path == "" {
			return nil, fmt.Errorf("invalid nested query: missing path")
		}
		inner, err := ParseQuery(nested.Query)
		if err != nil {
			return nil, err
		}
		return &Nested{Path: nested.Path, Query: inner}, nil
	}

	for kind := range node {
		return nil, fmt.Errorf("unknown query kind %q", kind)
	}
	return nil, fmt.Errorf("empty query")
}

// FieldPaths collects the absolute field paths the query constrains. Paths
// inside a nested query are prefixed with the nested path.
func FieldPaths(q Query) []string {
	var paths []string
	collectPaths(q, "", &paths)
	return paths
}

func collectPaths(q Query, prefix string, out *[]string) {
	switch node := q.(type) {
	case *Term:
		*out = append(*out, joinPath(prefix, node.Field))
	case *Bool:
		for _, sub := range node.Must {
			collectPaths(sub, prefix, out)
		}
		for _, sub := range node.Should {
			collectPaths(sub, prefix, out)
		}
		for _, sub := range node.MustNot {
			collectPaths(sub, prefix, out)
		}
	case *Nested:
		collectPaths(node.Query, joinPath(prefix, node.Path), out)
	}
}

func joinPath(prefix, path string) string {
	if prefix == "" {
		return path
	}
	return prefix + "." + path
}
