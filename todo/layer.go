package todo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/semlayer/errors"
	"github.com/c360/semlayer/layer"
	"github.com/c360/semlayer/store"
)

// Layer is the todo-specific facade over layer.Layer.
type Layer struct {
	*layer.Layer[Todo, Partial]
}

// NewLayer creates a todo layer following s. Call Load to fill the index.
func NewLayer(s store.Store, logger *slog.Logger, opts ...layer.Option) *Layer {
	opts = append([]layer.Option{layer.WithLogger(logger)}, opts...)
	return &Layer{Layer: layer.New[Todo, Partial](s, NewKind(logger), opts...)}
}

// OpenLayer creates a todo layer and loads it.
func OpenLayer(ctx context.Context, s store.Store, logger *slog.Logger, opts ...layer.Option) (*Layer, error) {
	l := NewLayer(s, logger, opts...)
	if _, err := l.Load(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Set writes both fields of t.
func (l *Layer) Set(ctx context.Context, author string, t Todo) error {
	return l.SetState(ctx, author, t.ID, Partial{Text: String(t.Text), Done: Bool(t.Done)})
}

// Create stores a new todo with a fresh id and returns it. Text must not
// be empty: a todo without text never becomes complete.
func (l *Layer) Create(ctx context.Context, author, text string) (Todo, error) {
	if text == "" {
		return Todo{}, errors.WrapInvalid(errors.ErrInvalidData, "todo.Layer", "Create", "text is required")
	}
	t := Todo{ID: NewID(), Text: text}
	if err := l.Set(ctx, author, t); err != nil {
		return Todo{}, err
	}
	return t, nil
}

// Toggle flips the done flag of a complete todo. It returns the new value.
func (l *Layer) Toggle(ctx context.Context, author, id string) (bool, error) {
	t, ok, err := l.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errors.WrapInvalid(errors.ErrKeyNotFound, "todo.Layer", "Toggle",
			fmt.Sprintf("todo %s not found", id))
	}
	done := !t.Done
	if err := l.SetState(ctx, author, id, Partial{Done: Bool(done)}); err != nil {
		return false, err
	}
	return done, nil
}

// List returns every complete todo ordered by id.
func (l *Layer) List() []Todo {
	return l.Ready().Items()
}
