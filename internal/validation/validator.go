package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks workflows before they are stored or executed.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateConfig(config map[string]any, configSchema []byte) error
}

// HandlerLookup reports whether a step type has a registered handler.
type HandlerLookup interface {
	Has(stepType string) bool
}
