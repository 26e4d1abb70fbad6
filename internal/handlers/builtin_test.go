package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var builtinNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func builtins(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Options{
		Validator: testValidator(t),
		Clock:     fixedClock(builtinNow),
	}))
	return reg
}

func execute(t *testing.T, reg *Registry, stepType string, config map[string]any) *schema.StepResult {
	t.Helper()
	h, err := reg.Get(stepType)
	require.NoError(t, err)
	return h.Execute(context.Background(), testStep("s", stepType, config), testContext(map[string]any{"amount": 150}))
}

func TestRegisterBuiltins_AllTypes(t *testing.T) {
	reg := builtins(t)
	for _, typ := range []string{HTTPRequestType, DelayType, ConditionalType, EmailType, SlackType, TransformType} {
		assert.True(t, reg.Has(typ), typ)
	}
}

func TestRegisterBuiltins_SlackWebhookWithoutToken(t *testing.T) {
	var payload map[string]any
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &payload)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := execute(t, builtins(t), SlackType, map[string]any{"webhook_url": srv.URL, "message": "hi {{user.name}}"})

	require.Equal(t, schema.StepCompleted, r.Status, "%+v", r.Error)
	assert.Equal(t, 1, hits)
	assert.Equal(t, "hi Ada", payload["text"])
}

func TestRegisterBuiltins_SlackChannelWithoutToken(t *testing.T) {
	r := execute(t, builtins(t), SlackType, map[string]any{"channel": "#orders", "message": "hi"})

	requireFailed(t, r, schema.ErrCodeDelivery)
	assert.Contains(t, r.Error.Message, "no bot token")
}

func TestRegisterBuiltins_ClockStampsResults(t *testing.T) {
	r := execute(t, builtins(t), TransformType, map[string]any{"expression": ".trigger.data.amount"})

	require.Equal(t, schema.StepCompleted, r.Status, "%+v", r.Error)
	assert.Equal(t, builtinNow, r.StartedAt)
	require.NotNil(t, r.CompletedAt)
	assert.Equal(t, builtinNow, *r.CompletedAt)

	r = execute(t, builtins(t), SlackType, map[string]any{"message": "hi"})
	assert.Equal(t, builtinNow, r.StartedAt)
}
