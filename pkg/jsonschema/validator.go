// Package jsonschema validates response bodies against JSON Schema documents.
package jsonschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Violations lists every leaf failure of one validation.
type Violations []error

func (ve Violations) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, err := range ve {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Schema is a compiled schema, safe for concurrent use.
type Schema struct {
	schema *jsonschema.Schema
}

// Compile parses and compiles schemaStr.
func Compile(schemaStr string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaStr)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	s, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &Schema{schema: s}, nil
}

// Valid reports whether doc is JSON that satisfies the schema.
func (s *Schema) Valid(doc []byte) bool {
	return len(s.Violations(doc)) == 0
}

// Violations validates doc and returns every leaf failure, nil when doc
// satisfies the schema.
func (s *Schema) Violations(doc []byte) Violations {
	data, err := decode(doc)
	if err != nil {
		return Violations{err}
	}

	err = s.schema.Validate(data)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return flatten(verr)
	}
	return Violations{err}
}

// decode keeps numbers as json.Number so integer keywords are exact.
func decode(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return data, nil
}

// flatten walks the cause tree down to its leaves.
func flatten(err *jsonschema.ValidationError) Violations {
	var out Violations

	if err.Message != "" && len(err.Causes) == 0 {
		out = append(out, fmt.Errorf("validation error at %s: %s", err.InstanceLocation, err.Message))
	}
	for _, child := range err.Causes {
		out = append(out, flatten(child)...)
	}
	if len(out) == 0 && err.Message != "" {
		out = append(out, fmt.Errorf("validation error at %s: %s", err.InstanceLocation, err.Message))
	}
	return out
}
