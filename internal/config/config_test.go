package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test-agent\n"))
	require.NoError(t, err)

	assert.Equal(t, "test-agent", cfg.App.Name)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.False(t, cfg.NATS.Embedded)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 20, cfg.Scheduler.HistoryLimit)
	assert.Equal(t, 5, cfg.Scheduler.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Executor.DefaultTimeout)
	assert.Equal(t, 30*time.Second, cfg.Monitor.Interval)
}

func TestLoadFullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  name: ultron
  log_level: debug
nats:
  urls:
    - nats://10.0.0.1:4222
api:
  addr: ":9090"
scheduler:
  failure_threshold: 3
llm:
  providers:
    - name: local
      type: ollama
      base_url: http://localhost:11434
      model: llama3
    - name: nim
      type: openai
      base_url: https://integrate.api.nvidia.com
      api_key: secret-key
      model: meta/llama-4
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, []string{"nats://10.0.0.1:4222"}, cfg.NATS.URLs)
	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, 3, cfg.Scheduler.FailureThreshold)
	require.Len(t, cfg.LLM.Providers, 2)
	assert.Equal(t, "ollama", cfg.LLM.Providers[0].Type)
	assert.Equal(t, "secret-key", cfg.LLM.Providers[1].APIKey)
}

func TestEmbeddedModeNeedsNoURLs(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
app:
  name: single-binary
nats:
  embedded: true
  store_dir: /var/lib/ultron/nats
  urls: []
`))
	require.NoError(t, err)

	assert.True(t, cfg.NATS.Embedded)
	assert.Equal(t, "/var/lib/ultron/nats", cfg.NATS.StoreDir)
	assert.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ULTRON_API_ADDR", ":7070")
	t.Setenv("ULTRON_APP_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.API.Addr)
	assert.Equal(t, "warn", cfg.App.LogLevel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing nats urls",
			mutate:  func(c *Config) { c.NATS.URLs = nil },
			wantErr: "NATS URL",
		},
		{
			name: "embedded without store dir",
			mutate: func(c *Config) {
				c.NATS.Embedded = true
				c.NATS.StoreDir = ""
			},
			wantErr: "store_dir",
		},
		{
			name:    "missing api addr",
			mutate:  func(c *Config) { c.API.Addr = "" },
			wantErr: "api.addr",
		},
		{
			name: "bad provider type",
			mutate: func(c *Config) {
				c.LLM.Providers = []ProviderConfig{{Name: "x", Type: "grpc", BaseURL: "http://x"}}
			},
			wantErr: "unknown type",
		},
		{
			name: "provider without base url",
			mutate: func(c *Config) {
				c.LLM.Providers = []ProviderConfig{{Name: "x", Type: "ollama"}}
			},
			wantErr: "base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{
		LLM: LLMConfig{Providers: []ProviderConfig{
			{Name: "nim", Type: "openai", BaseURL: "https://x", APIKey: "super-secret"},
			{Name: "local", Type: "ollama", BaseURL: "http://localhost:11434"},
		}},
	}

	red := cfg.Redacted()
	assert.Equal(t, "***", red.LLM.Providers[0].APIKey)
	assert.Empty(t, red.LLM.Providers[1].APIKey)

	// The original is untouched.
	assert.Equal(t, "super-secret", cfg.LLM.Providers[0].APIKey)
}
