// Copyright 2025 James Ross
// Package validation validates incoming event payloads against an
// embedded JSON Schema using gojsonschema: NewBytesLoader for both
// schema and document, then inspect result.Valid()/result.Errors()
// for per-field messages.
package validation

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/event.json
var eventSchemaJSON []byte

// FieldError is one field-level validation failure, reported in the
// `{error, messages}` 400 body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator validates raw event JSON against the embedded schema.
type Validator struct {
	schemaLoader gojsonschema.JSONLoader
}

func New() *Validator {
	return &Validator{schemaLoader: gojsonschema.NewBytesLoader(eventSchemaJSON)}
}

// Validate returns field-level errors for body, or nil if it conforms
// to the event schema.
func (v *Validator) Validate(body []byte) ([]FieldError, error) {
	if !json.Valid(body) {
		return []FieldError{{Field: "", Message: "invalid JSON"}}, nil
	}

	documentLoader := gojsonschema.NewBytesLoader(body)
	result, err := gojsonschema.Validate(v.schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("validation: schema evaluation: %w", err)
	}
	if result.Valid() {
		return nil, nil
	}

	errs := make([]FieldError, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, FieldError{Field: e.Field(), Message: e.Description()})
	}
	return errs, nil
}
