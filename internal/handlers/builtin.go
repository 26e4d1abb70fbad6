package handlers

import "github.com/rendis/stepflow/internal/expressions"

// Options wires the collaborators of the built-in handlers.
type Options struct {
	Validator   ConfigValidator
	HTTP        HTTPConfig
	Mailer      Mailer
	DefaultFrom string
	Slack       SlackPoster
	Clock       Clock
}

// RegisterBuiltins registers all built-in handlers in the given registry.
func RegisterBuiltins(reg *Registry, opts Options) error {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	slackPoster := opts.Slack
	if slackPoster == nil {
		// Webhooks need no token; bot posts fail until one is configured.
		slackPoster = NewSlackClient("", "")
	}

	httpH := NewHTTPRequestHandler(opts.HTTP, opts.Validator)
	httpH.clock = opts.Clock
	condH := NewConditionalHandler(cel, expressions.NewExprEngine(), opts.Validator)
	condH.clock = opts.Clock
	emailH := NewEmailHandler(opts.Mailer, opts.DefaultFrom, opts.Validator)
	emailH.clock = opts.Clock
	slackH := NewSlackHandler(slackPoster, opts.Validator)
	slackH.clock = opts.Clock
	transformH := NewTransformHandler(expressions.NewGoJQEngine(), opts.Validator)
	transformH.clock = opts.Clock

	all := []Handler{
		httpH,
		NewDelayHandler(opts.Validator, opts.Clock),
		condH,
		emailH,
		slackH,
		transformH,
	}

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
