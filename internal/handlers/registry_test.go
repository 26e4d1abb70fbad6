package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler is a minimal Handler for registry tests.
type stubHandler struct {
	stepType string
	desc     string
}

func (s *stubHandler) Type() string { return s.stepType }
func (s *stubHandler) Schema() ConfigSchema {
	return ConfigSchema{Description: s.desc}
}
func (s *stubHandler) Execute(_ context.Context, step *schema.Step, _ *schema.ExecutionContext) *schema.StepResult {
	return &schema.StepResult{StepID: step.ID, Status: schema.StepCompleted}
}

func TestRegistry_Register_Success(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubHandler{stepType: "noop", desc: "does nothing"}))
	assert.Equal(t, 1, reg.Count())
	assert.True(t, reg.Has("noop"))

	h, err := reg.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", h.Type())
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubHandler{stepType: "dup"}))

	err := reg.Register(&stubHandler{stepType: "dup"})
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()

	var fe *schema.FlowError
	require.True(t, errors.As(reg.Register(nil), &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)

	require.True(t, errors.As(reg.Register(&stubHandler{}), &fe))
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Zero(t, reg.Count())
}

func TestRegistry_Get_NotFound(t *testing.T) {
	_, err := NewRegistry().Get("send_fax")
	require.Error(t, err)

	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeHandlerNotFound, fe.Code)
	assert.Contains(t, fe.Message, "send_fax")
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&stubHandler{stepType: name, desc: name + " desc"}))
	}

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Type)
	assert.Equal(t, "mid", infos[1].Type)
	assert.Equal(t, "zeta", infos[2].Type)
	assert.Equal(t, "alpha desc", infos[0].Description)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(&stubHandler{stepType: string(rune('a' + i%26))})
		}(i)
		go func() {
			defer wg.Done()
			_ = reg.List()
			_ = reg.Has("a")
		}()
	}
	wg.Wait()
	assert.Equal(t, 26, reg.Count())
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Options{Validator: testValidator(t)}))

	for _, stepType := range []string{HTTPRequestType, DelayType, ConditionalType, EmailType, SlackType, TransformType} {
		assert.True(t, reg.Has(stepType), stepType)
	}
	assert.Equal(t, 6, reg.Count())

	// Registering twice collides.
	err := RegisterBuiltins(reg, Options{})
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}
