package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/stepflow/pkg/schema"
)

// SchemaValidator compiles the inputSchema/outputSchema blocks of definitions
// (JSON Schema, draft 2020-12 by default) and validates instance data against
// them. Compiled schemas are cached by their canonical JSON. Safe for
// concurrent use.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Compile checks that doc is a valid JSON Schema.
func (v *SchemaValidator) Compile(doc map[string]any) error {
	if len(doc) == 0 {
		return nil
	}
	_, err := v.getOrCompile(doc)
	return err
}

// Validate checks value against doc. An empty schema accepts everything.
// Violations are reported as SCHEMA_VIOLATION with every leaf message.
func (v *SchemaValidator) Validate(doc map[string]any, value any) error {
	if len(doc) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(doc)
	if err != nil {
		return err
	}

	inst, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeSchemaViolation, "value is not JSON-serializable").WithCause(err)
	}

	if err := compiled.Validate(inst); err != nil {
		return toSchemaError(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema is not JSON-serializable").WithCause(err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "unmarshal schema").WithCause(err)
	}

	// Fresh compiler per schema so resource URLs never collide.
	url := fmt.Sprintf("stepflow://schema/%d.json", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "add schema resource: %s", err.Error()).WithCause(err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compile schema: %s", err.Error()).WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toSchemaError(err error) *schema.WorkflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeSchemaViolation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeSchemaViolation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	return schema.NewErrorf(schema.ErrCodeSchemaViolation, "schema validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations flattens a ValidationError tree into "location: message" lines.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.ErrorKind.LocalizedString(message.NewPrinter(language.English)))}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
