package handlers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/slack-go/slack"
)

// SlackType is the step type of SlackHandler.
const SlackType = "send_slack"

// SlackPoster delivers Slack messages.
type SlackPoster interface {
	PostMessage(ctx context.Context, channel, text string) (string, string, error)
	PostWebhook(ctx context.Context, webhookURL, text string) error
}

const slackConfigSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "channel": {"type": "string", "minLength": 1},
    "webhook_url": {"type": "string", "minLength": 1},
    "message": {"type": "string", "minLength": 1}
  },
  "anyOf": [
    {"required": ["channel"]},
    {"required": ["webhook_url"]}
  ]
}`

const slackOutputSchema = `{
  "type": "object",
  "properties": {
    "channel": {"type": "string"},
    "ts": {"type": "string"}
  }
}`

// SlackHandler implements the "send_slack" step type. A webhook_url in the
// config wins over channel.
type SlackHandler struct {
	poster    SlackPoster
	validator ConfigValidator
	clock     Clock
}

// NewSlackHandler creates a send_slack handler.
func NewSlackHandler(p SlackPoster, v ConfigValidator) *SlackHandler {
	return &SlackHandler{poster: p, validator: v}
}

func (h *SlackHandler) Type() string { return SlackType }

func (h *SlackHandler) Schema() ConfigSchema {
	return ConfigSchema{
		Description:  "Post a message to a Slack channel or incoming webhook.",
		ConfigSchema: json.RawMessage(slackConfigSchema),
		OutputSchema: json.RawMessage(slackOutputSchema),
	}
}

func (h *SlackHandler) Execute(ctx context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult {
	r := begin(step, h.clock)

	config, ferr := prepare(step, ec, h.validator, slackConfigSchema)
	if ferr != nil {
		return r.failed(ferr, nil)
	}

	message := stringParam(config, "message", "")
	channel := stringParam(config, "channel", "")
	webhookURL := stringParam(config, "webhook_url", "")
	if message == "" {
		return r.invalid("send_slack: missing required config 'message'")
	}
	if channel == "" && webhookURL == "" {
		return r.invalid("send_slack: one of 'channel' or 'webhook_url' is required")
	}
	if webhookURL != "" {
		if err := h.postWebhook(ctx, webhookURL, message); err != nil {
			return r.failed(schema.NewErrorf(schema.ErrCodeDelivery, "send_slack: webhook: %v", err).WithCause(err), nil)
		}
		return r.completed(map[string]any{"channel": channel, "ts": ""})
	}

	if h.poster == nil {
		return r.failed(schema.NewError(schema.ErrCodeDelivery, "send_slack: slack is not configured"), nil)
	}
	postedChannel, ts, err := h.poster.PostMessage(ctx, channel, message)
	if err != nil {
		return r.failed(schema.NewErrorf(schema.ErrCodeDelivery, "send_slack: post to %s: %v", channel, err).WithCause(err), nil)
	}
	return r.completed(map[string]any{"channel": postedChannel, "ts": ts})
}

func (h *SlackHandler) postWebhook(ctx context.Context, webhookURL, text string) error {
	if h.poster == nil {
		return slack.PostWebhookContext(ctx, webhookURL, &slack.WebhookMessage{Text: text})
	}
	return h.poster.PostWebhook(ctx, webhookURL, text)
}

// SlackClient is the SlackPoster backed by the Slack Web API.
type SlackClient struct {
	api      *slack.Client
	hasToken bool
}

// NewSlackClient creates a client for a bot token. apiURL overrides the Web
// API base URL when non-empty. An empty token still serves webhooks.
func NewSlackClient(token, apiURL string) *SlackClient {
	var opts []slack.Option
	if apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(apiURL))
	}
	return &SlackClient{api: slack.New(token, opts...), hasToken: token != ""}
}

func (c *SlackClient) PostMessage(ctx context.Context, channel, text string) (string, string, error) {
	if !c.hasToken {
		return "", "", errors.New("no bot token configured")
	}
	return c.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
}

func (c *SlackClient) PostWebhook(ctx context.Context, webhookURL, text string) error {
	return slack.PostWebhookContext(ctx, webhookURL, &slack.WebhookMessage{Text: text})
}
