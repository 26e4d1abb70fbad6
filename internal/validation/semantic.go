package validation

import (
	"fmt"

	"github.com/rendis/stepflow/pkg/schema"
)

// validateSemantic performs the checks JSON Schema cannot express:
// unique step ids and positions, trigger step existence, registered handler
// types, and conditional branch references.
func validateSemantic(def *schema.WorkflowDefinition, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]int, len(def.Steps))
	positions := make(map[int]string, len(def.Steps))
	for i, s := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if _, dup := ids[s.ID]; dup {
			result.Addf(path+".id", schema.ErrCodeValidation, "duplicate step id %q", s.ID)
			continue
		}
		ids[s.ID] = i
		if other, dup := positions[s.Position]; dup {
			result.Addf(path+".position", schema.ErrCodeValidation,
				"position %d already used by step %q", s.Position, other)
		}
		positions[s.Position] = s.ID
	}

	trigger := def.TriggerStep()
	if trigger == nil {
		result.Addf("triggerStepId", schema.ErrCodeValidation,
			"trigger step %q not found", def.TriggerStepID)
	}

	for i := range def.Steps {
		s := &def.Steps[i]
		if trigger != nil && s.ID == trigger.ID {
			continue
		}
		path := fmt.Sprintf("steps[%d]", i)

		if lookup != nil && !lookup.Has(s.Type) {
			result.Addf(path+".type", schema.ErrCodeHandlerNotFound,
				"no handler registered for step type %q", s.Type)
		}
		if trigger != nil && s.Position <= trigger.Position {
			result.Addf(path+".position", schema.ErrCodeValidation,
				"step %q is positioned before the trigger step and would never run", s.ID)
		}
		if s.Type == schema.StepTypeConditional {
			validateBranches(s, path, def, result)
		}
	}

	return result
}

// validateBranches checks that true_steps/false_steps reference existing steps
// positioned after the conditional.
func validateBranches(step *schema.Step, path string, def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	for _, key := range []string{"true_steps", "false_steps"} {
		raw, ok := step.Config[key]
		if !ok {
			continue
		}
		list, ok := raw.([]any)
		if !ok {
			if _, isStrings := raw.([]string); !isStrings {
				result.Addf(fmt.Sprintf("%s.config.%s", path, key), schema.ErrCodeValidation,
					"%s must be a list of step ids", key)
				continue
			}
			list = make([]any, 0, len(raw.([]string)))
			for _, s := range raw.([]string) {
				list = append(list, s)
			}
		}
		for j, item := range list {
			itemPath := fmt.Sprintf("%s.config.%s[%d]", path, key, j)
			id, ok := item.(string)
			if !ok {
				result.Add(itemPath, schema.ErrCodeValidation, "branch entry must be a step id string")
				continue
			}
			target := def.StepByID(id)
			if target == nil {
				result.Addf(itemPath, schema.ErrCodeValidation, "references non-existent step %q", id)
				continue
			}
			if target.Position <= step.Position {
				result.Addf(itemPath, schema.ErrCodeValidation,
					"branch step %q must be positioned after conditional %q", id, step.ID)
			}
		}
	}
}
