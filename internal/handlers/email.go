package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rendis/stepflow/pkg/schema"
	mail "github.com/wneessen/go-mail"
)

// EmailType is the step type of EmailHandler.
const EmailType = "send_email"

// Message is an outgoing email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
	HTML    bool
}

// Mailer delivers email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

const emailConfigSchema = `{
  "type": "object",
  "required": ["to", "subject", "body"],
  "properties": {
    "to": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
      ]
    },
    "subject": {"type": "string", "minLength": 1},
    "body": {"type": "string"},
    "from": {"type": "string"},
    "html": {"type": ["boolean", "string"], "default": false}
  }
}`

const emailOutputSchema = `{
  "type": "object",
  "properties": {
    "to": {"type": "array", "items": {"type": "string"}},
    "subject": {"type": "string"},
    "messageId": {"type": "string"}
  }
}`

// EmailHandler implements the "send_email" step type.
type EmailHandler struct {
	mailer      Mailer
	defaultFrom string
	validator   ConfigValidator
	addresses   *validator.Validate
	clock       Clock
}

// NewEmailHandler creates a send_email handler. defaultFrom is used when the
// step config has no "from".
func NewEmailHandler(m Mailer, defaultFrom string, v ConfigValidator) *EmailHandler {
	return &EmailHandler{
		mailer:      m,
		defaultFrom: defaultFrom,
		validator:   v,
		addresses:   validator.New(),
	}
}

func (h *EmailHandler) Type() string { return EmailType }

func (h *EmailHandler) Schema() ConfigSchema {
	return ConfigSchema{
		Description:  "Send an email to one or more recipients.",
		ConfigSchema: json.RawMessage(emailConfigSchema),
		OutputSchema: json.RawMessage(emailOutputSchema),
	}
}

func (h *EmailHandler) Execute(ctx context.Context, step *schema.Step, ec *schema.ExecutionContext) *schema.StepResult {
	r := begin(step, h.clock)

	config, ferr := prepare(step, ec, h.validator, emailConfigSchema)
	if ferr != nil {
		return r.failed(ferr, nil)
	}

	to, err := stringListParam(config, "to")
	if err != nil {
		return r.invalid("send_email: %s", err)
	}
	if len(to) == 0 {
		return r.invalid("send_email: missing required config 'to'")
	}
	for _, addr := range to {
		if err := h.addresses.Var(addr, "required,email"); err != nil {
			return r.invalid("send_email: invalid recipient %q", addr)
		}
	}

	subject := stringParam(config, "subject", "")
	if subject == "" {
		return r.invalid("send_email: missing required config 'subject'")
	}

	from := stringParam(config, "from", h.defaultFrom)
	if from != "" {
		if err := h.addresses.Var(from, "email"); err != nil {
			return r.invalid("send_email: invalid sender %q", from)
		}
	}

	if h.mailer == nil {
		return r.failed(schema.NewError(schema.ErrCodeDelivery, "send_email: no mailer configured"), nil)
	}

	msg := Message{
		From:    from,
		To:      to,
		Subject: subject,
		Body:    stringParam(config, "body", ""),
		HTML:    boolParam(config, "html", false),
	}
	messageID, err := h.mailer.Send(ctx, msg)
	if err != nil {
		return r.failed(schema.NewErrorf(schema.ErrCodeDelivery, "send_email: %v", err).WithCause(err),
			map[string]any{"to": to, "subject": subject})
	}

	return r.completed(map[string]any{
		"to":        to,
		"subject":   subject,
		"messageId": messageID,
	})
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// TLS is one of "mandatory", "opportunistic" or "none".
	TLS string
}

// SMTPMailer delivers mail over SMTP.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer creates an SMTP mailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPMailer{cfg: cfg}
}

// Send builds the message and delivers it in one SMTP session.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	mm := mail.NewMsg()
	if err := mm.From(msg.From); err != nil {
		return "", fmt.Errorf("set from: %w", err)
	}
	if err := mm.To(msg.To...); err != nil {
		return "", fmt.Errorf("set to: %w", err)
	}
	mm.Subject(msg.Subject)
	contentType := mail.TypeTextPlain
	if msg.HTML {
		contentType = mail.TypeTextHTML
	}
	mm.SetBodyString(contentType, msg.Body)
	mm.SetMessageID()

	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, mm); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}

	if ids := mm.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		return ids[0], nil
	}
	return "", nil
}

func (m *SMTPMailer) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithPort(m.cfg.Port)}
	switch m.cfg.TLS {
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}
	return opts
}
