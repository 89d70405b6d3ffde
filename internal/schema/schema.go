// Package schema validates bus request payloads against JSON schemas built
// with kin-openapi. Validation yields a Result that is either OK, carrying the
// decoded document, or an *Error describing why the payload was rejected.
package schema

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// Error texts returned to bus callers. They match the wording orchestrators
// already match on.
const (
	TextMalformed = "Malformed json."
	TextMismatch  = "Could not validate json message against schema."
)

// Kind distinguishes unparsable payloads from well-formed ones of the wrong shape.
type Kind int

const (
	KindMalformed Kind = iota + 1
	KindMismatch
)

// Error describes a rejected payload.
type Error struct {
	Kind    Kind
	Details string
	cause   error
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Text()
	}
	return e.Text() + " " + e.Details
}

func (e *Error) Unwrap() error { return e.cause }

// Text is the caller-facing error text for the kind.
func (e *Error) Text() string {
	if e.Kind == KindMalformed {
		return TextMalformed
	}
	return TextMismatch
}

// Result is the outcome of Validate.
type Result struct {
	Doc map[string]any
	Err *Error
}

// OK reports whether the payload matched the schema.
func (r Result) OK() bool { return r.Err == nil }

// Property describes one member of an object schema.
type Property struct {
	Name     string
	Schema   *openapi3.Schema
	Required bool
}

// Required declares a member that must be present.
func Required(name string, s *openapi3.Schema) Property {
	return Property{Name: name, Schema: s, Required: true}
}

// Optional declares a member that is type-checked only when present.
func Optional(name string, s *openapi3.Schema) Property {
	return Property{Name: name, Schema: s}
}

// Object builds an object schema. Members not listed are accepted.
func Object(props ...Property) *openapi3.Schema {
	s := openapi3.NewObjectSchema()
	for _, p := range props {
		s.WithProperty(p.Name, p.Schema)
		if p.Required {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

// Array matches any JSON array; element types are not constrained.
func Array() *openapi3.Schema { return openapi3.NewArraySchema() }

// String matches a JSON string.
func String() *openapi3.Schema { return openapi3.NewStringSchema() }

// Validate decodes payload and checks it against s. The payload must be a JSON
// object.
func Validate(payload []byte, s *openapi3.Schema) Result {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Result{Err: &Error{Kind: KindMalformed, cause: err}}
	}
	if err := s.VisitJSON(doc); err != nil {
		return Result{Err: &Error{Kind: KindMismatch, Details: describe(err), cause: err}}
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Result{Err: &Error{Kind: KindMismatch, Details: "payload is not an object"}}
	}
	return Result{Doc: obj}
}

func describe(err error) string {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if ptr := se.JSONPointer(); len(ptr) > 0 {
			return "/" + strings.Join(ptr, "/") + ": " + se.Reason
		}
		return se.Reason
	}
	return err.Error()
}

// Strings returns the string elements of the array member name, skipping
// elements of other types.
func Strings(doc map[string]any, name string) []string {
	raw, _ := doc[name].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
