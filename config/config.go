/*
Package config loads runtime settings.

PURPOSE:
  One Config struct for the whole process, read from defaults, an optional
  .env file and COOP_-prefixed environment variables, in increasing order
  of precedence. Nested keys map to env names with "_" for ".", so
  notify.webhooks.thank_you is COOP_NOTIFY_WEBHOOKS_THANK_YOU.

SEE ALSO:
  - cmd/server/main.go: Wires everything from a loaded Config
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/parentcoop/hours-engine/coop"
	"github.com/spf13/viper"
)

type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Log       Log       `mapstructure:"log"`
	Notify    Notify    `mapstructure:"notify"`
	CRM       CRM       `mapstructure:"crm"`
	Outbox    Outbox    `mapstructure:"outbox"`
	Scheduler Scheduler `mapstructure:"scheduler"`
}

type Server struct {
	Port           int      `mapstructure:"port" validate:"min=1,max=65535"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Database struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite3 postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type Log struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json logfmt"`
}

type Notify struct {
	// Mode picks the dispatcher: log, webhook or sendgrid.
	Mode      string   `mapstructure:"mode" validate:"oneof=log webhook sendgrid"`
	PortalURL string   `mapstructure:"portal_url"`
	Webhooks  Webhooks `mapstructure:"webhooks"`
	SendGrid  SendGrid `mapstructure:"sendgrid"`
}

type Webhooks struct {
	Welcome            string `mapstructure:"welcome"`
	SignupConfirmation string `mapstructure:"signup_confirmation"`
	EventReminder      string `mapstructure:"event_reminder"`
	ThankYou           string `mapstructure:"thank_you"`
	Cancellation       string `mapstructure:"cancellation"`
	Milestone          string `mapstructure:"milestone"`
	Broadcast          string `mapstructure:"broadcast"`
}

// URLs keys the configured webhooks by event kind, leaving out blanks.
func (w Webhooks) URLs() map[coop.EventKind]string {
	urls := make(map[coop.EventKind]string)
	for kind, url := range map[coop.EventKind]string{
		coop.EventWelcome:            w.Welcome,
		coop.EventSignupConfirmation: w.SignupConfirmation,
		coop.EventReminder:           w.EventReminder,
		coop.EventThankYou:           w.ThankYou,
		coop.EventCancellation:       w.Cancellation,
		coop.EventMilestone:          w.Milestone,
		coop.EventBroadcast:          w.Broadcast,
	} {
		if url != "" {
			urls[kind] = url
		}
	}
	return urls
}

type SendGrid struct {
	APIKey      string `mapstructure:"api_key"`
	FromName    string `mapstructure:"from_name"`
	FromAddress string `mapstructure:"from_address"`
}

type CRM struct {
	// An empty APIKey disables the sync.
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"url"`
	// LocationID is used for schools without their own CRM location.
	LocationID string        `mapstructure:"location_id"`
	Attempts   int           `mapstructure:"attempts" validate:"min=1"`
	Backoff    time.Duration `mapstructure:"backoff"`
}

type Outbox struct {
	Workers   int `mapstructure:"workers" validate:"min=1"`
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`
}

type Scheduler struct {
	Enabled      bool   `mapstructure:"enabled"`
	ReminderSpec string `mapstructure:"reminder_spec" validate:"required"`
	BillingSpec  string `mapstructure:"billing_spec" validate:"required"`
}

var defaults = map[string]any{
	"server.port":            8080,
	"server.allowed_origins": []string{"*"},

	"database.driver": "sqlite3",
	"database.dsn":    "hours.db",

	"log.level":  "info",
	"log.format": "text",

	"notify.mode":                         "log",
	"notify.portal_url":                   "",
	"notify.webhooks.welcome":             "",
	"notify.webhooks.signup_confirmation": "",
	"notify.webhooks.event_reminder":      "",
	"notify.webhooks.thank_you":           "",
	"notify.webhooks.cancellation":        "",
	"notify.webhooks.milestone":           "",
	"notify.webhooks.broadcast":           "",
	"notify.sendgrid.api_key":             "",
	"notify.sendgrid.from_name":           "Parent Co-op",
	"notify.sendgrid.from_address":        "noreply@localhost",

	"crm.api_key":     "",
	"crm.base_url":    "https://services.leadconnectorhq.com",
	"crm.location_id": "",
	"crm.attempts":    3,
	"crm.backoff":     time.Second,

	"outbox.workers":    4,
	"outbox.queue_size": 256,

	"scheduler.enabled":       true,
	"scheduler.reminder_spec": "0 9 * * *",
	"scheduler.billing_spec":  "0 6 * * *",
}

// Load reads envFile when it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix("coop")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Notify.Mode == "sendgrid" && c.Notify.SendGrid.APIKey == "" {
		return errors.New("invalid config: notify.sendgrid.api_key is required in sendgrid mode")
	}
	return nil
}

// EnvFile is the .env path to load: $COOP_ENV_FILE, else ".env".
func EnvFile() string {
	if f := os.Getenv("COOP_ENV_FILE"); f != "" {
		return f
	}
	return ".env"
}
