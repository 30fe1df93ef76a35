package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, Validate(cfg))

	assert.GreaterOrEqual(t, cfg.Pool.MaxConcurrency, 1)
	assert.Equal(t, 5*time.Second, cfg.Health.SampleInterval)
	assert.Equal(t, 3, cfg.Recovery.MaxRetryAttempts)
	assert.Equal(t, 75.0, cfg.Scaling.CPUThreshold)
	assert.Equal(t, 10, cfg.Monitor.BaselineDepth)
	assert.Equal(t, 7*24*time.Hour, cfg.History.Retention)
}

func TestLoadAppliesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shiken.yaml")

	content := `
pool:
  max_concurrency: 6
  job_timeout: 5m
scaling:
  cpu_threshold_pct: 60
monitor:
  regression_pct: 40
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Pool.MaxConcurrency)
	assert.Equal(t, 5*time.Minute, cfg.Pool.JobTimeout)
	assert.Equal(t, 60.0, cfg.Scaling.CPUThreshold)
	assert.Equal(t, 40.0, cfg.Monitor.RegressionPct)

	// Unspecified values keep their defaults
	assert.Equal(t, 3, cfg.Recovery.MaxRetryAttempts)
	assert.Equal(t, 10, cfg.Health.HistorySize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shiken.yaml")

	content := `
pool:
  max_concurrency: 0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Pool.MaxConcurrency = 0 }},
		{"history smaller than leak window", func(c *Config) { c.Health.HistorySize = 3 }},
		{"leak increases beyond window", func(c *Config) { c.Health.LeakIncreases = 9 }},
		{"negative ceiling", func(c *Config) { c.Health.MemoryCeilingMB = -1 }},
		{"zero retries", func(c *Config) { c.Recovery.MaxRetryAttempts = 0 }},
		{"shrinking backoff", func(c *Config) { c.Recovery.BackoffMultiplier = 0.5 }},
		{"cpu threshold over 100", func(c *Config) { c.Scaling.CPUThreshold = 150 }},
		{"max below min workers", func(c *Config) { c.Scaling.MaxWorkers = 0 }},
		{"failure rate above 1", func(c *Config) { c.Monitor.FailureRateThreshold = 1.5 }},
		{"zero retention", func(c *Config) { c.History.Retention = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
