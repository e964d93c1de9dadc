package schema_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/effective-security/toolmux/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type address struct {
	City string `json:"city"`
	Zip  string `json:"zip,omitempty"`
}

type person struct {
	Name    string    `json:"name" jsonschema:"description=Full name"`
	Age     int       `json:"age,omitempty"`
	Home    address   `json:"home,omitempty"`
	Aliases []string  `json:"aliases,omitempty"`
	Visited []address `json:"visited,omitempty"`
}

func Test_New_Cached(t *testing.T) {
	s1, err := schema.New(reflect.TypeOf(person{}))
	require.NoError(t, err)
	s2, err := schema.New(reflect.TypeOf(person{}))
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func Test_New_FunctionParameters(t *testing.T) {
	s, err := schema.New(reflect.TypeOf(person{}))
	require.NoError(t, err)
	require.NotNil(t, s.Parameters)

	js := s.String()
	assert.Contains(t, js, `"name"`)
	assert.Contains(t, js, `"Full name"`)
	assert.Contains(t, js, `"city"`)
	// Flattened schemas must not carry reference indirection.
	assert.NotContains(t, js, `"$ref"`)
	assert.NotContains(t, js, `"$defs"`)
}

func Test_FromAny(t *testing.T) {
	raw := json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}`)
	s, err := schema.FromAny(raw)
	require.NoError(t, err)
	assert.Equal(t, "object", s.Type)
	require.NotNil(t, s.Properties)
	_, ok := s.Properties.Get("q")
	assert.True(t, ok)

	m := map[string]any{"type": "object"}
	s, err = schema.FromAny(m)
	require.NoError(t, err)
	assert.Equal(t, "object", s.Type)
}

func Test_MustFromAny_Panics(t *testing.T) {
	assert.Panics(t, func() {
		schema.MustFromAny(json.RawMessage(`{broken`))
	})
}
