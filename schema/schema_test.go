package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semlayer/errors"
)

func todoSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := New("/todos/v1/", "text.txt", "done.json")
	require.NoError(t, err)
	return s
}

func TestSchema_FieldPath(t *testing.T) {
	s := todoSchema(t)

	assert.Equal(t, "todos/v1", s.Namespace())
	assert.Equal(t, "/todos/v1/", s.Prefix())
	assert.Equal(t, "/todos/v1/abc/", s.IDPrefix("abc"))
	assert.Equal(t, "/todos/v1/abc/text.txt", s.FieldPath("abc", "text.txt"))
	assert.Equal(t, []string{"/todos/v1/abc/text.txt", "/todos/v1/abc/done.json"}, s.Paths("abc"))
}

func TestSchema_ParseRoundTrip(t *testing.T) {
	s := todoSchema(t)

	for _, field := range s.Fields() {
		ref, err := s.Parse(s.FieldPath("abc", field))
		require.NoError(t, err)
		assert.Equal(t, Ref{Namespace: "todos/v1", ID: "abc", Field: field}, ref)
	}
}

func TestSchema_ParseRejects(t *testing.T) {
	s := todoSchema(t)

	tests := []struct {
		name string
		path string
	}{
		{"empty", ""},
		{"relative", "todos/v1/abc/text.txt"},
		{"too few segments", "/todos/v1/text.txt"},
		{"too many segments", "/todos/v1/abc/extra/text.txt"},
		{"wrong namespace", "/todos/v2/abc/text.txt"},
		{"wrong root", "/notes/v1/abc/text.txt"},
		{"unknown field", "/todos/v1/abc/owner.txt"},
		{"empty id", "/todos/v1//text.txt"},
		{"trailing slash", "/todos/v1/abc/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := s.Parse(tt.path)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotRelevant)
			assert.ErrorIs(t, err, errors.ErrParsingFailed)
			assert.Equal(t, Ref{}, ref)
		})
	}
}

func TestSchema_SingleSegmentNamespace(t *testing.T) {
	s, err := New("notes", "body")
	require.NoError(t, err)

	ref, err := s.Parse("/notes/n1/body")
	require.NoError(t, err)
	assert.Equal(t, "n1", ref.ID)

	_, err = s.Parse("/notes/v1/n1/body")
	assert.Error(t, err)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		fields    []string
	}{
		{"empty namespace", "/", []string{"a"}},
		{"no fields", "ns", nil},
		{"empty field", "ns", []string{""}},
		{"slash in field", "ns", []string{"a/b"}},
		{"duplicate field", "ns", []string{"a", "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.namespace, tt.fields...)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	assert.Panics(t, func() { MustNew("") })
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("abc-123"))
	assert.ErrorIs(t, ValidateID(""), errors.ErrInvalidID)
	assert.ErrorIs(t, ValidateID("a/b"), errors.ErrInvalidID)
}
