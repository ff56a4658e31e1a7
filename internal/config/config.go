// Package config loads hookflowd settings.
//
// Values are layered: built-in defaults, then an optional YAML file
// (HOOKFLOW_CONFIG), then the dotenv files .env.shared and .env.secret, then
// the process environment. Later layers win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/hookflow/pkg/api"
)

const (
	DefaultPort            = 8888
	DefaultNamespace       = "default"
	DefaultTaskQueue       = "slack-webhook-task-queue"
	DefaultWorkers         = 5
	DefaultJiraProject     = "TEST"
	DefaultEventIDQuery    = ".event_id"
	DefaultIssuePredicate  = `RequestType in ["bug", "incident"]`
	DefaultActivityTimeout = 5 * time.Second

	SharedEnvFile = ".env.shared"
	SecretEnvFile = ".env.secret"
)

// Store drivers understood by hookflowd.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

var drivers = []string{DriverMemory, DriverSQLite, DriverPostgres, DriverRedis, DriverMongo}

// StoreConfig selects the event log backend. DSN is a file path for sqlite,
// a connection URL for the others.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database,omitempty"`
}

// EngineConfig tunes the workflow engine.
type EngineConfig struct {
	Namespace       string          `yaml:"namespace"`
	TaskQueue       string          `yaml:"task_queue"`
	Workers         int             `yaml:"workers"`
	SweepSchedule   string          `yaml:"sweep_schedule"`
	ActivityTimeout time.Duration   `yaml:"activity_timeout"`
	Retry           api.RetryPolicy `yaml:"retry"`
}

type SlackConfig struct {
	BotToken   string `yaml:"bot_token"`
	APIURL     string `yaml:"api_url,omitempty"`
	AckChannel string `yaml:"ack_channel,omitempty"`
	// RatePerSecond paces calls to the Slack Web API.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type JiraConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	APIToken string `yaml:"api_token"`
	Project  string `yaml:"project"`
}

// WebhookConfig maps a webhook source to the jq expression that yields its
// event id.
type WebhookConfig struct {
	EventIDQueries map[string]string `yaml:"event_id_queries"`
}

// EventIDQuery returns the jq expression for source.
func (w WebhookConfig) EventIDQuery(source string) string {
	if q, ok := w.EventIDQueries[source]; ok && q != "" {
		return q
	}
	return DefaultEventIDQuery
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full hookflowd configuration.
type Config struct {
	Port     int           `yaml:"port"`
	Store    StoreConfig   `yaml:"store"`
	Engine   EngineConfig  `yaml:"engine"`
	Slack    SlackConfig   `yaml:"slack"`
	Jira     JiraConfig    `yaml:"jira"`
	Webhooks WebhookConfig `yaml:"webhooks"`
	Log      LogConfig     `yaml:"log"`

	// IssuePredicate is an expr-lang expression over the decoded request
	// deciding whether an issue is filed.
	IssuePredicate string `yaml:"issue_predicate"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:  DefaultPort,
		Store: StoreConfig{Driver: DriverMemory},
		Engine: EngineConfig{
			Namespace:       DefaultNamespace,
			TaskQueue:       DefaultTaskQueue,
			Workers:         DefaultWorkers,
			ActivityTimeout: DefaultActivityTimeout,
			Retry:           api.DefaultRetryPolicy(),
		},
		Slack: SlackConfig{RatePerSecond: 1, Burst: 3},
		Jira:  JiraConfig{Project: DefaultJiraProject},
		Log:   LogConfig{Level: "info", Format: "json"},

		IssuePredicate: DefaultIssuePredicate,
	}
}

// Load builds the configuration from all layers. dir is where the dotenv
// files are looked up; an empty dir means the working directory.
func Load(dir string) (Config, error) {
	cfg := Default()

	dotenv, err := readDotenv(dir)
	if err != nil {
		return Config{}, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	if path, ok := lookup("HOOKFLOW_CONFIG"); ok && path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// readDotenv reads .env.shared then .env.secret; the secret file wins.
// Missing files are skipped.
func readDotenv(dir string) (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range []string{SharedEnvFile, SecretEnvFile} {
		values, err := godotenv.Read(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("config: read %s: %w", name, err)
		}
		maps.Copy(out, values)
	}
	return out, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := num("PORT", &c.Port); err != nil {
		return err
	}
	if err := num("HOOKFLOW_WORKERS", &c.Engine.Workers); err != nil {
		return err
	}
	str("HOOKFLOW_STORE_DRIVER", &c.Store.Driver)
	str("HOOKFLOW_STORE_DSN", &c.Store.DSN)
	str("HOOKFLOW_NAMESPACE", &c.Engine.Namespace)
	str("HOOKFLOW_TASK_QUEUE", &c.Engine.TaskQueue)
	str("HOOKFLOW_SWEEP_SCHEDULE", &c.Engine.SweepSchedule)
	str("SLACK_BOT_TOKEN", &c.Slack.BotToken)
	str("SLACK_API_URL", &c.Slack.APIURL)
	str("SLACK_ACK_CHANNEL", &c.Slack.AckChannel)
	str("JIRA_URL", &c.Jira.URL)
	str("JIRA_USERNAME", &c.Jira.Username)
	str("JIRA_API_TOKEN", &c.Jira.APIToken)
	str("JIRA_PROJECT", &c.Jira.Project)
	str("HOOKFLOW_LOG_LEVEL", &c.Log.Level)
	str("HOOKFLOW_LOG_FORMAT", &c.Log.Format)
	str("HOOKFLOW_ISSUE_PREDICATE", &c.IssuePredicate)
	return nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch {
	case !slices.Contains(drivers, c.Store.Driver):
		errs = append(errs, fmt.Errorf("unknown store driver %q (want one of %s)", c.Store.Driver, strings.Join(drivers, ", ")))
	case c.Store.Driver != DriverMemory && c.Store.Driver != DriverSQLite && c.Store.DSN == "":
		errs = append(errs, fmt.Errorf("store driver %s needs a dsn", c.Store.Driver))
	}
	if c.Engine.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.TaskQueue == "" {
		errs = append(errs, errors.New("task queue is required"))
	}
	if c.Engine.ActivityTimeout < 0 {
		errs = append(errs, fmt.Errorf("activity timeout must not be negative, got %s", c.Engine.ActivityTimeout))
	}
	if err := c.Engine.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Slack.RatePerSecond <= 0 {
		errs = append(errs, fmt.Errorf("slack rate must be positive, got %v", c.Slack.RatePerSecond))
	}
	if strings.TrimSpace(c.IssuePredicate) == "" {
		errs = append(errs, errors.New("issue predicate is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}
