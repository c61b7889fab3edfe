// Package config loads agent configuration from file and environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root agent configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	NATS      NATSConfig      `mapstructure:"nats"`
	API       APIConfig       `mapstructure:"api"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Handlers  HandlersConfig  `mapstructure:"handlers"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type NATSConfig struct {
	// Embedded runs a NATS server inside the agent process instead of
	// connecting to the URLs, for single-binary deployments.
	Embedded       bool          `mapstructure:"embedded"`
	StoreDir       string        `mapstructure:"store_dir"`
	URLs           []string      `mapstructure:"urls"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type APIConfig struct {
	Addr string `mapstructure:"addr"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	HistoryLimit     int `mapstructure:"history_limit"`
	FailureThreshold int `mapstructure:"failure_threshold"`
}

type ExecutorConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay  time.Duration `mapstructure:"max_retry_delay"`
}

type MonitorConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	CPUThreshold    float64       `mapstructure:"cpu_threshold"`
	MemoryThreshold float64       `mapstructure:"memory_threshold"`
	AlertCooldown   time.Duration `mapstructure:"alert_cooldown"`
}

// ProviderConfig configures one chat provider. Type selects the wire
// protocol: "ollama" or "openai" (NVIDIA NIM and Together are
// OpenAI-compatible).
type ProviderConfig struct {
	Name    string        `mapstructure:"name"`
	Type    string        `mapstructure:"type"`
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	Providers []ProviderConfig `mapstructure:"providers"`
}

type HandlersConfig struct {
	FileBaseDir     string   `mapstructure:"file_base_dir"`
	AllowedTools    []string `mapstructure:"allowed_tools"`
	ContainerAccess bool     `mapstructure:"container_access"`
}

// Load reads configuration from the given file path (optional) and from
// ULTRON_-prefixed environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ULTRON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ultrond")
	v.SetDefault("app.log_level", "info")

	v.SetDefault("nats.embedded", false)
	v.SetDefault("nats.store_dir", "./data/nats")
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("api.addr", ":8080")

	v.SetDefault("storage.path", "ultron.db")

	v.SetDefault("scheduler.history_limit", 20)
	v.SetDefault("scheduler.failure_threshold", 5)

	v.SetDefault("executor.max_concurrent", 8)
	v.SetDefault("executor.default_timeout", 5*time.Minute)
	v.SetDefault("executor.max_retries", 3)
	v.SetDefault("executor.retry_delay", 5*time.Second)
	v.SetDefault("executor.max_retry_delay", 5*time.Minute)

	v.SetDefault("monitor.interval", 30*time.Second)
	v.SetDefault("monitor.cpu_threshold", 90.0)
	v.SetDefault("monitor.memory_threshold", 90.0)
	v.SetDefault("monitor.alert_cooldown", 5*time.Minute)

	v.SetDefault("handlers.file_base_dir", "./workdir")
	v.SetDefault("handlers.allowed_tools", []string{"shell", "http", "file", "event"})
	v.SetDefault("handlers.container_access", false)
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if !c.NATS.Embedded && len(c.NATS.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	if c.NATS.Embedded && c.NATS.StoreDir == "" {
		return fmt.Errorf("nats.store_dir is required in embedded mode")
	}
	if c.API.Addr == "" {
		return fmt.Errorf("api.addr is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Executor.MaxConcurrent < 0 {
		return fmt.Errorf("executor.max_concurrent must not be negative")
	}
	for i, p := range c.LLM.Providers {
		if p.Name == "" {
			return fmt.Errorf("llm.providers[%d]: name is required", i)
		}
		switch p.Type {
		case "ollama", "openai":
		default:
			return fmt.Errorf("llm.providers[%d]: unknown type %q", i, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("llm.providers[%d]: base_url is required", i)
		}
	}
	return nil
}

// Redacted returns a copy safe to expose over the API. Secrets are
// masked, never echoed back.
func (c *Config) Redacted() Config {
	out := *c

	out.LLM.Providers = make([]ProviderConfig, len(c.LLM.Providers))
	copy(out.LLM.Providers, c.LLM.Providers)
	for i := range out.LLM.Providers {
		if out.LLM.Providers[i].APIKey != "" {
			out.LLM.Providers[i].APIKey = "***"
		}
	}
	return out
}
