// Package schema maps entity ids and field names to store paths and back.
//
// A Schema owns one namespace, which may span several path segments
// ("todos/v1"), and a fixed set of field names. Field paths have the shape
//
//	/{namespace}/{id}/{field}
//
// Parse is the exact inverse of FieldPath: a path either yields a complete Ref
// or ErrNotRelevant, never a partial result.
package schema

import (
	"fmt"
	"strings"

	"github.com/c360/semlayer/errors"
)

// ErrNotRelevant is returned by Parse for paths outside the schema.
var ErrNotRelevant = fmt.Errorf("path not relevant to schema: %w", errors.ErrParsingFailed)

// Ref identifies one field of one entity.
type Ref struct {
	Namespace string
	ID        string
	Field     string
}

// Schema is an immutable path mapping. The zero value is not usable.
type Schema struct {
	namespace string
	segments  int
	fields    []string
	known     map[string]struct{}
}

// New builds a Schema. Leading and trailing slashes on namespace are ignored.
func New(namespace string, fields ...string) (*Schema, error) {
	ns := strings.Trim(namespace, "/")
	if ns == "" {
		return nil, errors.WrapInvalid(nil, "Schema", "New", "namespace cannot be empty")
	}
	if len(fields) == 0 {
		return nil, errors.WrapInvalid(nil, "Schema", "New", "at least one field is required")
	}

	s := &Schema{
		namespace: ns,
		segments:  strings.Count(ns, "/") + 1,
		fields:    make([]string, 0, len(fields)),
		known:     make(map[string]struct{}, len(fields)),
	}
	for _, f := range fields {
		if f == "" || strings.Contains(f, "/") {
			return nil, errors.WrapInvalid(nil, "Schema", "New", fmt.Sprintf("invalid field name %q", f))
		}
		if _, dup := s.known[f]; dup {
			return nil, errors.WrapInvalid(nil, "Schema", "New", fmt.Sprintf("duplicate field name %q", f))
		}
		s.known[f] = struct{}{}
		s.fields = append(s.fields, f)
	}
	return s, nil
}

// MustNew is like New but panics on error. For package-level schemas.
func MustNew(namespace string, fields ...string) *Schema {
	s, err := New(namespace, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Namespace returns the namespace without surrounding slashes.
func (s *Schema) Namespace() string { return s.namespace }

// Fields returns the field names in declaration order.
func (s *Schema) Fields() []string {
	return append([]string(nil), s.fields...)
}

// HasField reports whether field belongs to the schema.
func (s *Schema) HasField(field string) bool {
	_, ok := s.known[field]
	return ok
}

// Prefix returns the path prefix shared by every path of the schema.
func (s *Schema) Prefix() string {
	return "/" + s.namespace + "/"
}

// IDPrefix returns the path prefix shared by every field of id.
func (s *Schema) IDPrefix(id string) string {
	return s.Prefix() + id + "/"
}

// FieldPath returns the store path of field for id.
func (s *Schema) FieldPath(id, field string) string {
	return s.IDPrefix(id) + field
}

// Paths returns the paths of every field of id, in field order.
func (s *Schema) Paths(id string) []string {
	out := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		out = append(out, s.FieldPath(id, f))
	}
	return out
}

// Parse splits path into namespace, id and field. It returns ErrNotRelevant
// for a wrong segment count, a foreign namespace, an empty id or an unknown
// field.
func (s *Schema) Parse(path string) (Ref, error) {
	if !strings.HasPrefix(path, "/") {
		return Ref{}, ErrNotRelevant
	}
	parts := strings.Split(path[1:], "/")
	if len(parts) != s.segments+2 {
		return Ref{}, ErrNotRelevant
	}

	ns := strings.Join(parts[:s.segments], "/")
	id := parts[s.segments]
	field := parts[s.segments+1]

	if ns != s.namespace || id == "" || !s.HasField(field) {
		return Ref{}, ErrNotRelevant
	}
	return Ref{Namespace: ns, ID: id, Field: field}, nil
}

// ValidateID checks that id can be embedded in a path.
func ValidateID(id string) error {
	if id == "" {
		return errors.WrapInvalid(errors.ErrInvalidID, "Schema", "ValidateID", "id cannot be empty")
	}
	if strings.Contains(id, "/") {
		return errors.WrapInvalid(errors.ErrInvalidID, "Schema", "ValidateID", fmt.Sprintf("id %q contains '/'", id))
	}
	return nil
}
