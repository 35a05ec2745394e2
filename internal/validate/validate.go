// Package validate compiles one JSON Schema per control-plane request body
// and validates inbound requests against it before any guard, detector, or
// queue logic runs. Schemas are embedded as Go string literals rather than
// loaded from disk, so there is nothing to keep in sync with a deployed
// binary at runtime.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request names one compiled schema, used as the key into Set.
type Request string

const (
	RequestInstruction  Request = "instruction"
	RequestApprovalResp Request = "approval-response"
	RequestInputResp    Request = "input-response"
	RequestCancelTask   Request = "cancel-task"
	RequestCancel       Request = "cancel"
	RequestReset        Request = "reset"
)

var schemaSource = map[Request]string{
	RequestInstruction: `{
		"type": "object",
		"required": ["userId", "instruction"],
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"messageId": {"type": "string"},
			"instruction": {"type": "string"},
			"timestamp": {"type": "string"}
		}
	}`,
	RequestApprovalResp: `{
		"type": "object",
		"required": ["approvalId", "approved", "userId"],
		"properties": {
			"approvalId": {"type": "string", "minLength": 1},
			"approved": {"type": "boolean"},
			"userId": {"type": "string", "minLength": 1}
		}
	}`,
	RequestInputResp: `{
		"type": "object",
		"required": ["inputId", "userId", "response"],
		"properties": {
			"inputId": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1},
			"response": {"type": "string"}
		}
	}`,
	RequestCancelTask: `{
		"type": "object",
		"required": ["taskId", "userId"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"userId": {"type": "string", "minLength": 1}
		}
	}`,
	RequestCancel: `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			"userId": {"type": "string", "minLength": 1}
		}
	}`,
	RequestReset: `{
		"type": "object",
		"required": ["userId"],
		"properties": {
			"userId": {"type": "string", "minLength": 1}
		}
	}`,
}

// Set holds every compiled control-plane request schema.
type Set struct {
	schemas map[Request]*jsonschema.Schema
}

// Compile compiles every embedded schema once. Called at control-plane
// construction; a compile failure here is a programming error, not a
// runtime condition, so callers should treat it as fatal.
func Compile() (*Set, error) {
	s := &Set{schemas: make(map[Request]*jsonschema.Schema, len(schemaSource))}
	for req, src := range schemaSource {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", req, err)
		}
		c := jsonschema.NewCompiler()
		resourceName := string(req) + ".json"
		if err := c.AddResource(resourceName, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", req, err)
		}
		schema, err := c.Compile(resourceName)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", req, err)
		}
		s.schemas[req] = schema
	}
	return s, nil
}

// Error reports a schema violation for a given request body.
type Error struct {
	Request Request
	Detail  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s request: %s", e.Request, e.Detail)
}

// Validate checks raw (the unparsed JSON request body) against the schema
// registered for req.
func (s *Set) Validate(req Request, raw []byte) error {
	schema, ok := s.schemas[req]
	if !ok {
		return fmt.Errorf("no schema registered for request %s", req)
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &Error{Request: req, Detail: "malformed JSON: " + err.Error()}
	}
	if err := schema.Validate(parsed); err != nil {
		return &Error{Request: req, Detail: summarizeValidationError(err)}
	}
	return nil
}

// summarizeValidationError flattens a jsonschema validation error into a
// single human-readable line for the HTTP error body.
func summarizeValidationError(err error) string {
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok {
		return ve.Error()
	}
	return err.Error()
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// MustMarshalIndent is a small test/debug helper for printing a schema's
// embedded source with stable formatting.
func MustMarshalIndent(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<marshal error: %v>", err)
	}
	return string(b)
}
