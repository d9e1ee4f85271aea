package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema used to constrain structured output.
type Schema struct {
	Name     string
	Raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON schema document under name.
func CompileSchema(name string, raw []byte) (*Schema, error) {
	url := "mem://" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Raw: json.RawMessage(raw), compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema that panics on error, for package-level schemas.
func MustCompileSchema(name string, raw string) *Schema {
	s, err := CompileSchema(name, []byte(raw))
	if err != nil {
		panic(err)
	}
	return s
}

// Parse decodes text and validates it, returning the decoded value.
func (s *Schema) Parse(text string) (interface{}, error) {
	body := stripCodeFence(text)
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, &SchemaError{Parse: true, Cause: err}
	}
	if err := s.compiled.Validate(v); err != nil {
		return nil, &SchemaError{Cause: err}
	}
	return v, nil
}

// Decode validates text and unmarshals it into out.
func (s *Schema) Decode(text string, out interface{}) error {
	if _, err := s.Parse(text); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(text)), out); err != nil {
		return &SchemaError{Parse: true, Cause: err}
	}
	return nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if nl := strings.Index(t, "\n"); nl >= 0 {
		t = t[nl+1:]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}
