package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/stepflow/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline:
// 1. Input fields (struct tags)
// 2. Structural (JSON Schema)
// 3. Semantic (ids, trigger, handler types, branch references)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	structs    *validator.Validate
	handlers   HandlerLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip handler existence checks.
func NewWorkflowValidator(lookup HandlerLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	structs := validator.New(validator.WithRequiredStructEnabled())
	structs.RegisterTagNameFunc(jsonFieldName)

	return &WorkflowValidator{
		jsonSchema: jsv,
		structs:    structs,
		handlers:   lookup,
	}, nil
}

// jsonFieldName reports struct fields by their JSON name.
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

// ValidateWorkflow checks the WorkflowInput fields and its definition.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.WorkflowInput) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		result.Add("/", schema.ErrCodeValidation, "workflow is nil")
		return result
	}

	result.Merge(wv.validateStruct(wf))
	result.Merge(wv.Validate(&wf.Definition))
	return result
}

// Validate runs the structural and semantic stages on a definition.
// Structural errors short-circuit the semantic stage.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.Add("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.handlers))
	return result
}

// ValidateUser checks the user a run executes on behalf of.
func (wv *WorkflowValidator) ValidateUser(user *schema.User) error {
	return wv.validateStruct(user).ToError()
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateConfig delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateConfig(config map[string]any, configSchema []byte) error {
	return wv.jsonSchema.ValidateConfig(config, configSchema)
}

// validateStruct runs go-playground struct tag validation and converts
// field errors into validation issues.
func (wv *WorkflowValidator) validateStruct(v any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	err := wv.structs.Struct(v)
	if err == nil {
		return result
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		result.Add("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, fe := range fieldErrs {
		result.Addf(fieldPath(fe.Namespace()), schema.ErrCodeValidation,
			"failed %q check", fe.Tag())
	}
	return result
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// validateStructural converts JSON Schema violations into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var flowErr *schema.FlowError
	if !errors.As(err, &flowErr) {
		result.Add("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if violations, ok := flowErr.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.Add("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.Add("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
