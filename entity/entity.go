// Package entity defines what the generic indexer needs to know about one
// kind of domain object.
//
// D is the complete domain object, P the partial object being assembled.
// Kind covers path handling and field conversion; Shape covers moving an
// object between its partial and complete forms. An entity kind implements
// both, see package todo for an example.
package entity

import (
	"github.com/c360/semlayer/schema"
	"github.com/c360/semlayer/store"
)

// Field is one decoded field value. Present is false when the field was
// cleared (empty content).
type Field struct {
	Ref     schema.Ref
	Present bool
	Value   any
}

// Kind is the four-operation capability interface for one entity kind.
type Kind[D, P any] interface {
	// PathBelongsToEntity parses path. ok is false for paths of other
	// kinds or unknown fields.
	PathBelongsToEntity(path string) (ref schema.Ref, ok bool)
	// ExtractField converts raw content into a typed field. Empty content
	// yields a field with Present false.
	ExtractField(ref schema.Ref, content string) Field
	// MergeFieldIntoPartial returns p with f applied. p is not modified.
	MergeFieldIntoPartial(p P, f Field) P
	// FieldsToWrite turns the present fields of p into store writes for id.
	FieldsToWrite(id string, p P) []store.Write
}

// Shape converts between the partial and complete forms of an entity.
type Shape[D, P any] interface {
	// NewPartial returns an empty partial for id.
	NewPartial(id string) P
	// Assemble returns the complete object when p passes the completeness
	// check. It is evaluated after every mutation.
	Assemble(p P) (D, bool)
	// Disassemble returns d as a partial with every field present.
	Disassemble(d D) P
	// IsEmpty reports whether p holds no fields at all.
	IsEmpty(p P) bool
	// ClonePartial returns a deep copy of p.
	ClonePartial(p P) P
}

// Definition is everything the indexer and layer need for one kind.
type Definition[D, P any] interface {
	Kind[D, P]
	Shape[D, P]
	Schema() *schema.Schema
	// Name is a short label used in logs and metrics.
	Name() string
}
