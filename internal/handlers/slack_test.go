package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlack struct {
	channel, text, webhook string
	err                    error
}

func (f *fakeSlack) PostMessage(_ context.Context, channel, text string) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.channel, f.text = channel, text
	return "C123", "1700000000.000100", nil
}

func (f *fakeSlack) PostWebhook(_ context.Context, webhookURL, text string) error {
	if f.err != nil {
		return f.err
	}
	f.webhook, f.text = webhookURL, text
	return nil
}

func runSlack(t *testing.T, p SlackPoster, config map[string]any) *schema.StepResult {
	t.Helper()
	h := NewSlackHandler(p, testValidator(t))
	return h.Execute(context.Background(), testStep("ping", SlackType, config), testContext(map[string]any{"amount": 150}))
}

func TestSlack_PostsToChannel(t *testing.T) {
	f := &fakeSlack{}
	r := runSlack(t, f, map[string]any{"channel": "#orders", "message": "{{user.name}} spent {{trigger.data.amount}}"})

	require.Equal(t, schema.StepCompleted, r.Status, "%+v", r.Error)
	assert.Equal(t, "#orders", f.channel)
	assert.Equal(t, "Ada spent 150", f.text)
	assert.Equal(t, "C123", r.Data["channel"])
	assert.Equal(t, "1700000000.000100", r.Data["ts"])
}

func TestSlack_WebhookWins(t *testing.T) {
	f := &fakeSlack{}
	r := runSlack(t, f, map[string]any{"channel": "#x", "webhook_url": "https://hooks.example.com/T/B/X", "message": "hi"})

	require.Equal(t, schema.StepCompleted, r.Status)
	assert.Equal(t, "https://hooks.example.com/T/B/X", f.webhook)
	assert.Empty(t, f.channel)
	assert.Equal(t, "#x", r.Data["channel"])
}

func TestSlack_InvalidConfig(t *testing.T) {
	for name, config := range map[string]map[string]any{
		"no target":  {"message": "hi"},
		"no message": {"channel": "#x"},
	} {
		t.Run(name, func(t *testing.T) {
			requireFailed(t, runSlack(t, &fakeSlack{}, config), schema.ErrCodeConfigValidation)
		})
	}
}

func TestSlack_DeliveryErrors(t *testing.T) {
	f := &fakeSlack{err: errors.New("channel_not_found")}
	r := runSlack(t, f, map[string]any{"channel": "#x", "message": "hi"})
	requireFailed(t, r, schema.ErrCodeDelivery)
	assert.Contains(t, r.Error.Message, "channel_not_found")

	r = runSlack(t, f, map[string]any{"webhook_url": "https://hooks.example.com/x", "message": "hi"})
	requireFailed(t, r, schema.ErrCodeDelivery)

	r = runSlack(t, nil, map[string]any{"channel": "#x", "message": "hi"})
	requireFailed(t, r, schema.ErrCodeDelivery)
}

func TestSlackClient_PostMessage(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C999","ts":"1.2"}`))
	}))
	defer srv.Close()

	c := NewSlackClient("xoxb-test", srv.URL+"/")
	channel, ts, err := c.PostMessage(context.Background(), "#orders", "hello")
	require.NoError(t, err)
	assert.Equal(t, "C999", channel)
	assert.Equal(t, "1.2", ts)
	assert.Equal(t, "#orders", form.Get("channel"))
	assert.Equal(t, "hello", form.Get("text"))
}

func TestSlackClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	_, _, err := NewSlackClient("xoxb-test", srv.URL+"/").PostMessage(context.Background(), "#nope", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel_not_found")
}

func TestSlackClient_PostWebhook(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &payload)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	require.NoError(t, NewSlackClient("", "").PostWebhook(context.Background(), srv.URL, "hook text"))
	assert.Equal(t, "hook text", payload["text"])
}
