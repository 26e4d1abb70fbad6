// Package handlers implements the typed step handlers and their registry.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Handler executes one type of workflow step.
//
// Execute never returns a Go error and never panics on bad input: problems are
// reported as a failed StepResult. The returned status is exactly one of
// completed, failed or waiting; skipped is assigned by the executor only.
type Handler interface {
	Type() string
	Schema() ConfigSchema
	Execute(ctx context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult
}

// HandlerRegistry manages lookup of step handlers by type.
type HandlerRegistry interface {
	Register(h Handler) error
	Get(stepType string) (Handler, error)
	List() []HandlerInfo
}

// ConfigSchema describes the config/output contract of a handler.
type ConfigSchema struct {
	ConfigSchema json.RawMessage `json:"config_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// ConfigValidator validates a resolved step config against a JSON Schema.
type ConfigValidator interface {
	ValidateConfig(config map[string]any, configSchema []byte) error
}

// Clock returns the current time. Handlers that compute timestamps take one
// so tests can pin time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
