package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestExecutionFSM_ValidTransitions(t *testing.T) {
	fsm := NewExecutionFSM("exec-1", schema.ExecutionPending)

	require.NoError(t, fsm.Transition(schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(schema.ExecutionWaiting))
	require.NoError(t, fsm.Transition(schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(schema.ExecutionCompleted))
	assert.Equal(t, schema.ExecutionCompleted, fsm.Status())
}

func TestExecutionFSM_InvalidTransition(t *testing.T) {
	fsm := NewExecutionFSM("exec-1", schema.ExecutionPending)

	err := fsm.Transition(schema.ExecutionWaiting)
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	assert.Equal(t, "exec-1", fe.Details["execution_id"])
	assert.Equal(t, "pending", fe.Details["from"])
	assert.Equal(t, "waiting", fe.Details["to"])
	assert.Equal(t, schema.ExecutionPending, fsm.Status(), "status unchanged on rejected transition")
}

func TestExecutionFSM_TerminalStatesAreFinal(t *testing.T) {
	terminals := []schema.ExecutionStatus{
		schema.ExecutionCompleted,
		schema.ExecutionFailed,
		schema.ExecutionCancelled,
	}
	for _, from := range terminals {
		for to := range ValidExecutionTransitions {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCanTransition_WaitingOnlyFromRunning(t *testing.T) {
	for from := range ValidExecutionTransitions {
		if from == schema.ExecutionRunning {
			continue
		}
		assert.False(t, CanTransition(from, schema.ExecutionWaiting), "%s -> waiting", from)
	}
	assert.True(t, CanTransition(schema.ExecutionWaiting, schema.ExecutionCancelled))
	assert.False(t, CanTransition("bogus", schema.ExecutionRunning))
}

func TestExecutionFSM_OnAfter(t *testing.T) {
	fsm := NewExecutionFSM("exec-1", schema.ExecutionPending)
	var seen []string
	fsm.OnAfter(func(from, to schema.ExecutionStatus) {
		seen = append(seen, string(from)+">"+string(to))
	})

	require.NoError(t, fsm.Transition(schema.ExecutionRunning))
	require.Error(t, fsm.Transition(schema.ExecutionPending))
	require.NoError(t, fsm.Transition(schema.ExecutionFailed))

	assert.Equal(t, []string{"pending>running", "running>failed"}, seen)
}
