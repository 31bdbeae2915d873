// Package todo is the todo entity kind: a text and a done flag stored as two
// documents under /todos/v1/{id}/.
package todo

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/c360/semlayer/entity"
	"github.com/c360/semlayer/schema"
	"github.com/c360/semlayer/store"
)

// Field names as they appear in store paths.
const (
	FieldText = "text.txt"
	FieldDone = "done.json"
)

// Namespace of every todo path.
const Namespace = "todos/v1"

// Todo is a complete todo.
type Todo struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Partial is a todo being assembled. A nil field is absent.
type Partial struct {
	ID   string  `json:"id"`
	Text *string `json:"text,omitempty"`
	Done *bool   `json:"done,omitempty"`
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// NewID returns a fresh todo id.
func NewID() string {
	return uuid.NewString()
}

// IsComplete reports whether p has non-empty text and a done flag.
func IsComplete(p Partial) bool {
	return p.Text != nil && *p.Text != "" && p.Done != nil
}

// Kind implements entity.Definition for todos.
type Kind struct {
	schema *schema.Schema
	logger *slog.Logger
}

var _ entity.Definition[Todo, Partial] = (*Kind)(nil)

// NewKind creates the todo kind. A nil logger falls back to slog.Default().
func NewKind(logger *slog.Logger) *Kind {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kind{
		schema: schema.MustNew(Namespace, FieldText, FieldDone),
		logger: logger.With("entity", "todo"),
	}
}

// Name returns "todo".
func (k *Kind) Name() string { return "todo" }

// Schema returns the /todos/v1 path schema.
func (k *Kind) Schema() *schema.Schema { return k.schema }

// PathBelongsToEntity parses path into an id and a known field.
func (k *Kind) PathBelongsToEntity(path string) (schema.Ref, bool) {
	ref, err := k.schema.Parse(path)
	if err != nil {
		return schema.Ref{}, false
	}
	return ref, true
}

// ExtractField decodes content. Done is true only for the exact content
// "true"; any other non-empty content reads as false.
func (k *Kind) ExtractField(ref schema.Ref, content string) entity.Field {
	f := entity.Field{Ref: ref}
	if content == "" {
		return f
	}
	f.Present = true

	switch ref.Field {
	case FieldText:
		f.Value = content
	case FieldDone:
		if content != "true" && content != "false" {
			k.logger.Warn("unexpected boolean content, reading as false",
				"id", ref.ID,
				"field", ref.Field,
				"content", content)
		}
		f.Value = content == "true"
	default:
		f.Present = false
	}
	return f
}

// MergeFieldIntoPartial returns p with f applied.
func (k *Kind) MergeFieldIntoPartial(p Partial, f entity.Field) Partial {
	out := k.ClonePartial(p)
	switch f.Ref.Field {
	case FieldText:
		out.Text = nil
		if s, ok := f.Value.(string); f.Present && ok {
			out.Text = &s
		}
	case FieldDone:
		out.Done = nil
		if b, ok := f.Value.(bool); f.Present && ok {
			out.Done = &b
		}
	}
	return out
}

// FieldsToWrite emits one write per non-nil field. An empty Text clears
// the text document.
func (k *Kind) FieldsToWrite(id string, p Partial) []store.Write {
	var writes []store.Write
	if p.Text != nil {
		writes = append(writes, store.Write{
			Path:    k.schema.FieldPath(id, FieldText),
			Content: *p.Text,
		})
	}
	if p.Done != nil {
		content := "false"
		if *p.Done {
			content = "true"
		}
		writes = append(writes, store.Write{
			Path:    k.schema.FieldPath(id, FieldDone),
			Content: content,
		})
	}
	return writes
}

// NewPartial returns an empty partial for id.
func (k *Kind) NewPartial(id string) Partial {
	return Partial{ID: id}
}

// Assemble returns the complete todo when p is complete.
func (k *Kind) Assemble(p Partial) (Todo, bool) {
	if !IsComplete(p) {
		return Todo{}, false
	}
	return Todo{ID: p.ID, Text: *p.Text, Done: *p.Done}, true
}

// Disassemble converts t back into a partial with both fields set.
func (k *Kind) Disassemble(t Todo) Partial {
	return Partial{ID: t.ID, Text: String(t.Text), Done: Bool(t.Done)}
}

// IsEmpty reports whether p carries no field.
func (k *Kind) IsEmpty(p Partial) bool {
	return p.Text == nil && p.Done == nil
}

// ClonePartial copies p so the field pointers are not shared.
func (k *Kind) ClonePartial(p Partial) Partial {
	out := Partial{ID: p.ID}
	if p.Text != nil {
		out.Text = String(*p.Text)
	}
	if p.Done != nil {
		out.Done = Bool(*p.Done)
	}
	return out
}
