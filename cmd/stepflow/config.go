package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"

	"github.com/rendis/stepflow/internal/store"
)

// Config holds all stepflow configuration.
// Priority: flags > STEPFLOW_* env vars > settings.json > defaults.
type Config struct {
	StoreDriver string `json:"store_driver" validate:"required,oneof=libsql sqlite"`
	StoreDSN    string `json:"store_dsn" validate:"required"`

	LogLevel  string `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `json:"log_format" validate:"oneof=text json"`

	SMTPHost     string `json:"smtp_host" validate:"omitempty,hostname|ip"`
	SMTPPort     int    `json:"smtp_port" validate:"min=1,max=65535"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SMTPTLS      string `json:"smtp_tls" validate:"oneof=mandatory opportunistic none"`
	MailFrom     string `json:"mail_from" validate:"omitempty,email"`

	SlackToken  string `json:"slack_token"`
	SlackAPIURL string `json:"slack_api_url" validate:"omitempty,url"`

	HTTPTimeout       Duration `json:"http_timeout" validate:"gt=0"`
	SchedulerInterval Duration `json:"scheduler_interval" validate:"gt=0"`
	SchedulerBatch    int      `json:"scheduler_batch" validate:"gt=0"`

	Tracing     bool   `json:"tracing"`
	ServiceName string `json:"service_name" validate:"required_if=Tracing true"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func defaultConfig() Config {
	return Config{
		StoreDriver:       store.DriverLibSQL,
		StoreDSN:          "file:" + filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		SMTPPort:          587,
		SMTPTLS:           "opportunistic",
		HTTPTimeout:       Duration(30 * time.Second),
		SchedulerInterval: Duration(30 * time.Second),
		SchedulerBatch:    100,
		ServiceName:       "stepflow",
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

// configFlags are shared by every command. Each reads its STEPFLOW_* env var.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "Path to settings.json", Value: settingsPath(), Sources: cli.EnvVars("STEPFLOW_CONFIG")},
		&cli.StringFlag{Name: "store-driver", Usage: "Database driver (libsql, sqlite)", Sources: cli.EnvVars("STEPFLOW_STORE_DRIVER")},
		&cli.StringFlag{Name: "store-dsn", Usage: "Database DSN", Sources: cli.EnvVars("STEPFLOW_STORE_DSN")},
		&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", Sources: cli.EnvVars("STEPFLOW_LOG_LEVEL")},
		&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)", Sources: cli.EnvVars("STEPFLOW_LOG_FORMAT")},
		&cli.StringFlag{Name: "smtp-host", Usage: "SMTP server host", Sources: cli.EnvVars("STEPFLOW_SMTP_HOST")},
		&cli.IntFlag{Name: "smtp-port", Usage: "SMTP server port", Sources: cli.EnvVars("STEPFLOW_SMTP_PORT")},
		&cli.StringFlag{Name: "smtp-username", Usage: "SMTP username", Sources: cli.EnvVars("STEPFLOW_SMTP_USERNAME")},
		&cli.StringFlag{Name: "smtp-password", Usage: "SMTP password", Sources: cli.EnvVars("STEPFLOW_SMTP_PASSWORD")},
		&cli.StringFlag{Name: "smtp-tls", Usage: "SMTP TLS policy (mandatory, opportunistic, none)", Sources: cli.EnvVars("STEPFLOW_SMTP_TLS")},
		&cli.StringFlag{Name: "mail-from", Usage: "Default sender for send_email steps", Sources: cli.EnvVars("STEPFLOW_MAIL_FROM")},
		&cli.StringFlag{Name: "slack-token", Usage: "Slack bot token", Sources: cli.EnvVars("STEPFLOW_SLACK_TOKEN")},
		&cli.StringFlag{Name: "slack-api-url", Usage: "Slack Web API base URL override", Sources: cli.EnvVars("STEPFLOW_SLACK_API_URL")},
		&cli.DurationFlag{Name: "http-timeout", Usage: "Default http_request timeout", Sources: cli.EnvVars("STEPFLOW_HTTP_TIMEOUT")},
		&cli.DurationFlag{Name: "scheduler-interval", Usage: "Scheduler polling interval", Sources: cli.EnvVars("STEPFLOW_SCHEDULER_INTERVAL")},
		&cli.IntFlag{Name: "scheduler-batch", Usage: "Max due executions resumed per tick", Sources: cli.EnvVars("STEPFLOW_SCHEDULER_BATCH")},
		&cli.BoolFlag{Name: "tracing", Usage: "Export traces over OTLP/HTTP", Sources: cli.EnvVars("STEPFLOW_TRACING")},
		&cli.StringFlag{Name: "service-name", Usage: "Service name reported in traces", Sources: cli.EnvVars("STEPFLOW_SERVICE_NAME")},
	}
}

// loadConfig layers defaults, the settings file and the command's flags,
// then validates the result. A missing settings file is not an error.
func loadConfig(cmd *cli.Command) (Config, error) {
	cfg := defaultConfig()

	path := cmd.String("config")
	if path == "" {
		path = settingsPath()
	}
	if err := readSettings(path, &cfg); err != nil {
		return Config{}, err
	}

	applyFlags(cmd, &cfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readSettings(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read settings %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

// applyFlags overrides cfg with every flag set on the command line or
// through its env var.
func applyFlags(cmd *cli.Command, cfg *Config) {
	str := map[string]*string{
		"store-driver":  &cfg.StoreDriver,
		"store-dsn":     &cfg.StoreDSN,
		"log-level":     &cfg.LogLevel,
		"log-format":    &cfg.LogFormat,
		"smtp-host":     &cfg.SMTPHost,
		"smtp-username": &cfg.SMTPUsername,
		"smtp-password": &cfg.SMTPPassword,
		"smtp-tls":      &cfg.SMTPTLS,
		"mail-from":     &cfg.MailFrom,
		"slack-token":   &cfg.SlackToken,
		"slack-api-url": &cfg.SlackAPIURL,
		"service-name":  &cfg.ServiceName,
	}
	for name, dst := range str {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	if cmd.IsSet("smtp-port") {
		cfg.SMTPPort = cmd.Int("smtp-port")
	}
	if cmd.IsSet("scheduler-batch") {
		cfg.SchedulerBatch = cmd.Int("scheduler-batch")
	}
	if cmd.IsSet("http-timeout") {
		cfg.HTTPTimeout = Duration(cmd.Duration("http-timeout"))
	}
	if cmd.IsSet("scheduler-interval") {
		cfg.SchedulerInterval = Duration(cmd.Duration("scheduler-interval"))
	}
	if cmd.IsSet("tracing") {
		cfg.Tracing = cmd.Bool("tracing")
	}
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	configValidate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		return name
	})
}

func validateConfig(cfg Config) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
