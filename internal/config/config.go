// Package config loads and validates control plane configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/t77yq/crawl-control/internal/capability/natsrpc"
	"github.com/t77yq/crawl-control/internal/decode"
	"github.com/t77yq/crawl-control/internal/eventbus"
	"github.com/t77yq/crawl-control/internal/handler"
	"github.com/t77yq/crawl-control/internal/monitor"
	"github.com/t77yq/crawl-control/internal/orchestrator"
	"github.com/t77yq/crawl-control/internal/scheduler"
	"github.com/t77yq/crawl-control/internal/workflow"
)

// EnvPrefix prefixes environment overrides, e.g. CRAWLCTL_API_ADDR
const EnvPrefix = "CRAWLCTL"

// Config captures every service knob
type Config struct {
	Log          LogConfig               `mapstructure:"log"`
	API          APIConfig               `mapstructure:"api"`
	NATS         NATSConfig              `mapstructure:"nats"`
	History      HistoryConfig           `mapstructure:"history"`
	Orchestrator orchestrator.Config     `mapstructure:"orchestrator"`
	Workflow     WorkflowConfig          `mapstructure:"workflow"`
	Scheduler    scheduler.Config        `mapstructure:"scheduler"`
	Events       eventbus.Config         `mapstructure:"events"`
	Monitor      MonitorConfig           `mapstructure:"monitor"`
	RateLimit    handler.RateLimitConfig `mapstructure:"rate_limit"`
}

// LogConfig selects the zap logger flavour
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// APIConfig controls the read-only status server
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// NATSConfig describes the NATS connection and everything carried over it.
// With NATS disabled the capability ports have no remote implementation and
// crawl tasks fail until handlers are registered programmatically.
type NATSConfig struct {
	Enabled        bool                    `mapstructure:"enabled"`
	URL            string                  `mapstructure:"url"`
	Name           string                  `mapstructure:"name"`
	MaxReconnects  int                     `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration           `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration           `mapstructure:"connect_timeout"`
	Bridge         eventbus.BridgeConfig   `mapstructure:"bridge"`
	Commands       scheduler.CommandConfig `mapstructure:"commands"`
	Capability     natsrpc.Config          `mapstructure:"capability"`
}

// HistoryConfig enables the SQLite execution history
type HistoryConfig struct {
	// Path of the database file; empty disables history
	Path string `mapstructure:"path"`
	// Retention for the built-in purge job; zero keeps everything
	Retention time.Duration `mapstructure:"retention"`
}

// WorkflowConfig configures the engine and lists YAML definitions to load
type WorkflowConfig struct {
	workflow.Config `mapstructure:",squash"`
	Definitions     []string `mapstructure:"definitions"`
}

// MonitorConfig enables host resource sampling
type MonitorConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	monitor.Config `mapstructure:",squash"`
}

// Load builds a Config from defaults, an optional file and the environment
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decode.DurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8080")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "crawl-control")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("nats.bridge.stream", "CRAWL_EVENTS")
	v.SetDefault("nats.bridge.subject_prefix", "crawl.events")
	v.SetDefault("nats.bridge.max_age", "24h")
	v.SetDefault("nats.commands.stream", "SCHEDULES")
	v.SetDefault("nats.commands.subject_prefix", "schedule")
	v.SetDefault("nats.commands.durable", "scheduler")
	v.SetDefault("nats.capability.subject_prefix", "crawl.capability")
	v.SetDefault("nats.capability.timeout", "30s")
	v.SetDefault("nats.capability.breaker.failure_threshold", 5)
	v.SetDefault("nats.capability.breaker.recovery_timeout", "60s")

	v.SetDefault("history.path", "")
	v.SetDefault("history.retention", "168h")

	v.SetDefault("orchestrator.workers", 5)
	v.SetDefault("orchestrator.poll_timeout", "1s")
	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.error_log_size", 10000)
	v.SetDefault("orchestrator.backoff.strategy", orchestrator.BackoffExponential)
	v.SetDefault("orchestrator.backoff.initial_delay", "1s")
	v.SetDefault("orchestrator.backoff.multiplier", 2.0)
	v.SetDefault("orchestrator.backoff.max_delay", "5m")

	v.SetDefault("workflow.max_step_visits", 1)

	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_base_delay", "1s")
	v.SetDefault("scheduler.max_retry_delay", "1h")
	v.SetDefault("scheduler.timezone", "UTC")

	v.SetDefault("events.queue_size", 1000)
	v.SetDefault("events.history_size", 10000)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.cooldown", "5m")
	v.SetDefault("monitor.thresholds.cpu_percent", 90.0)
	v.SetDefault("monitor.thresholds.memory_percent", 90.0)

	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 2)
}

// Validate enforces required values and reasonable limits
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.API.Enabled && c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr must be set when the api is enabled"))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url must be set when nats is enabled"))
	}
	if c.Orchestrator.Workers <= 0 {
		errs = append(errs, errors.New("orchestrator.workers must be > 0"))
	}
	if _, err := c.Orchestrator.Backoff.Build(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator.backoff: %w", err))
	}
	if c.Workflow.MaxStepVisits < 0 {
		errs = append(errs, errors.New("workflow.max_step_visits must be >= 0"))
	}
	if c.History.Retention < 0 {
		errs = append(errs, errors.New("history.retention must be >= 0"))
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for i, job := range c.Scheduler.Jobs {
		if job.Name == "" || job.Action == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: name and action are required", i))
		}
	}
	if c.RateLimit.RPS < 0 {
		errs = append(errs, errors.New("rate_limit.rps must be >= 0"))
	}
	return errors.Join(errs...)
}
