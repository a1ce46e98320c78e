// Package config loads the campaignflow configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/campaignflow/internal/campaign"
	"github.com/petrijr/campaignflow/internal/taskqueue"
	"github.com/petrijr/campaignflow/pkg/api"
	"github.com/petrijr/campaignflow/pkg/connector"
	"github.com/petrijr/campaignflow/pkg/worker"
)

// Backend kinds.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ValidBackends lists the supported backend kinds.
var ValidBackends = []string{BackendMemory, BackendSQLite, BackendPostgres, BackendRedis}

// Config holds all campaignflow configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Worker   WorkerConfig   `yaml:"worker"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BackendConfig selects where instances, history and tasks live.
type BackendConfig struct {
	Kind      string `yaml:"kind"` // memory, sqlite, postgres, redis
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Namespace string `yaml:"namespace"` // redis key prefix
	DSN       string `yaml:"dsn"`       // sqlite path or postgres connection string
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`

	Connect ConnectConfig `yaml:"connect"`
}

// ConnectConfig tunes the backoff used while the backend is unreachable.
type ConnectConfig struct {
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
	MaxAttempts int    `yaml:"max_attempts"` // 0 retries forever
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	TaskQueue   string `yaml:"task_queue"`
	Concurrency int    `yaml:"concurrency"`
	PollTimeout string `yaml:"poll_timeout"`

	// VisibilityTimeout is how long a claimed task stays hidden from other
	// workers without a renewal. Applies to the sqlite, postgres and redis
	// queues.
	VisibilityTimeout  string `yaml:"visibility_timeout"`
	RedeliveryDelay    string `yaml:"redelivery_delay"`
	MaxRedeliveryDelay string `yaml:"max_redelivery_delay"`
}

// WorkflowConfig configures the campaign workflows.
type WorkflowConfig struct {
	Deadline   string                    `yaml:"deadline"`
	Activities map[string]ActivityConfig `yaml:"activities"`
}

// ActivityConfig overrides the options of one activity. Empty fields keep
// the defaults.
type ActivityConfig struct {
	Timeout           string  `yaml:"timeout"`
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoff    string  `yaml:"initial_backoff"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoff        string  `yaml:"max_backoff"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Kind:      BackendMemory,
			Host:      "localhost",
			Port:      6379,
			Namespace: "campaignflow:",
			Connect: ConnectConfig{
				BaseDelay: connector.DefaultBaseDelay.String(),
				MaxDelay:  connector.DefaultMaxDelay.String(),
			},
		},
		Worker: WorkerConfig{
			TaskQueue:   campaign.TaskQueue,
			Concurrency: worker.DefaultConcurrency,
			PollTimeout: worker.DefaultPollTimeout.String(),

			VisibilityTimeout:  taskqueue.DefaultVisibilityTimeout.String(),
			RedeliveryDelay:    worker.DefaultRedeliveryDelay.String(),
			MaxRedeliveryDelay: worker.DefaultMaxRedeliveryDelay.String(),
		},
		Workflow: WorkflowConfig{
			Deadline: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides
// and validates the result. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("BACKEND_KIND"); v != "" {
		c.Backend.Kind = v
	}
	if v := os.Getenv("BACKEND_HOST"); v != "" {
		c.Backend.Host = v
	}
	if v := os.Getenv("BACKEND_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BACKEND_PORT %q: %w", v, err)
		}
		c.Backend.Port = port
	}
	if v := os.Getenv("BACKEND_NAMESPACE"); v != "" {
		c.Backend.Namespace = v
	}
	if v := os.Getenv("BACKEND_DSN"); v != "" {
		c.Backend.DSN = v
	}
	if v := os.Getenv("WORKER_TASK_QUEUE"); v != "" {
		c.Worker.TaskQueue = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate checks the configuration for values the engine cannot use.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	valid := false
	for _, k := range ValidBackends {
		if c.Backend.Kind == k {
			valid = true
			break
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("invalid backend kind: %s (valid: %v)", c.Backend.Kind, ValidBackends))
	}
	switch c.Backend.Kind {
	case BackendSQLite, BackendPostgres:
		if c.Backend.DSN == "" {
			errs = append(errs, fmt.Errorf("backend %s requires dsn", c.Backend.Kind))
		}
	case BackendRedis:
		if c.Backend.Host == "" || c.Backend.Port <= 0 {
			errs = append(errs, errors.New("backend redis requires host and port"))
		}
	}
	if c.Backend.Connect.MaxAttempts < 0 {
		errs = append(errs, errors.New("backend.connect.max_attempts must be >= 0"))
	}

	if c.Worker.TaskQueue == "" {
		errs = append(errs, errors.New("worker.task_queue must not be empty"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, errors.New("worker.concurrency must be >= 1"))
	}

	check := func(field, v string) {
		if _, err := parseDuration(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	check("backend.connect.base_delay", c.Backend.Connect.BaseDelay)
	check("backend.connect.max_delay", c.Backend.Connect.MaxDelay)
	check("worker.poll_timeout", c.Worker.PollTimeout)
	check("worker.visibility_timeout", c.Worker.VisibilityTimeout)
	check("worker.redelivery_delay", c.Worker.RedeliveryDelay)
	check("worker.max_redelivery_delay", c.Worker.MaxRedeliveryDelay)
	if v, err := parseDuration(c.Worker.VisibilityTimeout); err == nil && v > 0 && v < time.Second {
		errs = append(errs, errors.New("worker.visibility_timeout must be at least 1s"))
	}
	check("workflow.deadline", c.Workflow.Deadline)
	for name, a := range c.Workflow.Activities {
		prefix := "workflow.activities." + name
		check(prefix+".timeout", a.Timeout)
		check(prefix+".initial_backoff", a.InitialBackoff)
		check(prefix+".max_backoff", a.MaxBackoff)
		if a.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s.max_attempts must be >= 0", prefix))
		}
		if a.BackoffMultiplier < 0 {
			errs = append(errs, fmt.Errorf("%s.backoff_multiplier must be >= 0", prefix))
		}
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("invalid logging format: %s (valid: json, console)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// parseDuration accepts an empty string as zero.
func parseDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

func mustDuration(v string) time.Duration {
	d, _ := parseDuration(v)
	return d
}

// Addr returns the backend's host:port.
func (b BackendConfig) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ConnectorConfig returns the reconnect backoff.
func (c *Config) ConnectorConfig() connector.Config {
	return connector.Config{
		BaseDelay:   mustDuration(c.Backend.Connect.BaseDelay),
		MaxDelay:    mustDuration(c.Backend.Connect.MaxDelay),
		MaxAttempts: c.Backend.Connect.MaxAttempts,
	}
}

// WorkerConfig returns the worker settings.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		Queue:       c.Worker.TaskQueue,
		Concurrency: c.Worker.Concurrency,
		PollTimeout: mustDuration(c.Worker.PollTimeout),
		Connector:   c.ConnectorConfig(),

		RedeliveryDelay:    mustDuration(c.Worker.RedeliveryDelay),
		MaxRedeliveryDelay: mustDuration(c.Worker.MaxRedeliveryDelay),
	}
}

// VisibilityTimeout returns the task claim timeout, or the queue default
// when unset.
func (c *Config) VisibilityTimeout() time.Duration {
	if d := mustDuration(c.Worker.VisibilityTimeout); d > 0 {
		return d
	}
	return taskqueue.DefaultVisibilityTimeout
}

// CampaignSettings returns the workflow deadline and per-activity options.
func (c *Config) CampaignSettings() campaign.Settings {
	s := campaign.DefaultSettings()
	s.Deadline = mustDuration(c.Workflow.Deadline)
	if len(c.Workflow.Activities) == 0 {
		return s
	}
	s.Activities = make(map[string]api.ActivityOptions, len(c.Workflow.Activities))
	for name, a := range c.Workflow.Activities {
		s.Activities[name] = a.options()
	}
	return s
}

// options converts the override into engine options layered over the
// campaign defaults.
func (a ActivityConfig) options() api.ActivityOptions {
	opts := api.ActivityOptions{Timeout: mustDuration(a.Timeout)}

	if a.MaxAttempts == 0 && a.InitialBackoff == "" && a.BackoffMultiplier == 0 && a.MaxBackoff == "" {
		return opts
	}
	policy := *campaign.DefaultActivityOptions().Retry
	if a.MaxAttempts > 0 {
		policy.MaxAttempts = a.MaxAttempts
	}
	if d := mustDuration(a.InitialBackoff); d > 0 {
		policy.InitialBackoff = d
	}
	if a.BackoffMultiplier > 0 {
		policy.BackoffMultiplier = a.BackoffMultiplier
	}
	if d := mustDuration(a.MaxBackoff); d > 0 {
		policy.MaxBackoff = d
	}
	opts.Retry = &policy
	return opts
}
