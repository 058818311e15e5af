package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://api.sam.gov", cfg.SAM.BaseURL)
	assert.Equal(t, 1000, cfg.SAM.IntervalMs)
	assert.Equal(t, 12000, cfg.Extraction.MaxChars)
	assert.Equal(t, 60, cfg.Extraction.DedupPrefixLen)
	assert.Equal(t, 4, cfg.Extraction.Concurrency)
	assert.True(t, cfg.Extraction.Generative)
	assert.Equal(t, 50, cfg.Scoring.HighThreshold)
	assert.Equal(t, 25, cfg.Scoring.MediumThreshold)
	assert.Equal(t, 30, cfg.Scoring.HighFloor)
	assert.Equal(t, 50, cfg.Scoring.MediumFloor)
	assert.Equal(t, 70, cfg.Scoring.LowFloor)
	assert.Equal(t, DefaultFreeTextFields, cfg.Acquisition.FreeTextFields)
	assert.Equal(t, 4, cfg.Acquisition.Concurrency)
	assert.Equal(t, "opportunity-analysis", cfg.Temporal.TaskQueue)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.InDelta(t, 0.25, cfg.Monitoring.FailureRateThreshold, 0.0001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/bids
log:
  level: debug
  format: console
sam:
  interval_ms: 0
extraction:
  dedup_prefix_len: 40
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/bids", cfg.Store.DatabaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 0, cfg.SAM.IntervalMs)
	assert.Equal(t, 40, cfg.Extraction.DedupPrefixLen)
	// Defaults still apply for unset values
	assert.Equal(t, 12000, cfg.Extraction.MaxChars)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("ANALYZER_STORE_DRIVER", "postgres")
	t.Setenv("ANALYZER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("ANALYZER_SERVER_PORT", "3000")
	t.Setenv("ANALYZER_SCORING_HIGH_THRESHOLD", "60")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 60, cfg.Scoring.HighThreshold)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.NotNil(t, zap.L())

	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "bids.db"
	cfg.Acquisition.DocumentDir = "documents"
	cfg.Extraction.DedupPrefixLen = 60
	cfg.Server.Port = 8080
	cfg.Temporal.HostPort = "localhost:7233"
	cfg.Temporal.TaskQueue = "opportunity-analysis"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "analyze ok", mode: "analyze"},
		{name: "serve ok", mode: "serve"},
		{name: "worker ok", mode: "worker"},
		{
			name:    "bad driver",
			mode:    "analyze",
			mutate:  func(c *Config) { c.Store.Driver = "mysql" },
			wantErr: `store.driver "mysql" is not supported`,
		},
		{
			name:    "missing database url",
			mode:    "runs",
			mutate:  func(c *Config) { c.Store.DatabaseURL = "" },
			wantErr: "store.database_url is required",
		},
		{
			name:    "missing document dir",
			mode:    "analyze",
			mutate:  func(c *Config) { c.Acquisition.DocumentDir = "" },
			wantErr: "acquisition.document_dir is required",
		},
		{
			name:    "zero dedup prefix",
			mode:    "serve",
			mutate:  func(c *Config) { c.Extraction.DedupPrefixLen = 0 },
			wantErr: "extraction.dedup_prefix_len must be positive",
		},
		{
			name:    "invalid port",
			mode:    "serve",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port 0 is out of range",
		},
		{
			name:    "port ignored outside serve",
			mode:    "analyze",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "",
		},
		{
			name:    "worker without task queue",
			mode:    "worker",
			mutate:  func(c *Config) { c.Temporal.TaskQueue = "" },
			wantErr: "temporal.task_queue is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate(tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
