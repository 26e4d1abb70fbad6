package engine

import (
	"slices"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// ValidExecutionTransitions lists, per status, the statuses an execution may
// move to. Terminal statuses have no outgoing edges.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending: {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning: {
		schema.ExecutionWaiting,
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	},
	schema.ExecutionWaiting:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// CanTransition reports whether from -> to is a legal execution transition.
func CanTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

// ValidateTransition returns an INVALID_TRANSITION error when from -> to is
// not allowed.
func ValidateTransition(executionID string, from, to schema.ExecutionStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// TransitionHook is called after a successful transition.
type TransitionHook func(from, to schema.ExecutionStatus)

// ExecutionFSM tracks the status of a single execution.
type ExecutionFSM struct {
	mu          sync.Mutex
	executionID string
	status      schema.ExecutionStatus
	after       []TransitionHook
}

// NewExecutionFSM creates an FSM positioned at the given status.
func NewExecutionFSM(executionID string, initial schema.ExecutionStatus) *ExecutionFSM {
	return &ExecutionFSM{executionID: executionID, status: initial}
}

// OnAfter registers a hook run after every transition.
func (f *ExecutionFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Status returns the current status.
func (f *ExecutionFSM) Status() schema.ExecutionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Transition moves the FSM to the given status.
func (f *ExecutionFSM) Transition(to schema.ExecutionStatus) error {
	f.mu.Lock()
	from := f.status
	if err := ValidateTransition(f.executionID, from, to); err != nil {
		f.mu.Unlock()
		return err
	}
	f.status = to
	hooks := slices.Clone(f.after)
	f.mu.Unlock()

	for _, hook := range hooks {
		hook(from, to)
	}
	return nil
}
