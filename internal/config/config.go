package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/viper"

	"github.com/shizukutanaka/Shiken/internal/logging"
)

// Config is the full coordinator configuration
type Config struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Health   HealthConfig   `mapstructure:"health"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Scaling  ScalingConfig  `mapstructure:"scaling"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	History  HistoryConfig  `mapstructure:"history"`
	Log      logging.Config `mapstructure:"log"`
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
}

// HealthConfig configures per-worker health monitoring
type HealthConfig struct {
	SampleInterval  time.Duration `mapstructure:"sample_interval"`
	HistorySize     int           `mapstructure:"history_size"`
	MemoryCeilingMB float64       `mapstructure:"memory_ceiling_mb"`
	LeakWindow      int           `mapstructure:"leak_window"`
	LeakIncreases   int           `mapstructure:"leak_increases"`
	TrendDeadband   float64       `mapstructure:"trend_deadband_pct"`
}

// RecoveryConfig configures error recovery
type RecoveryConfig struct {
	MaxRetryAttempts  int           `mapstructure:"max_retry_attempts"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	ErrorWindow       time.Duration `mapstructure:"error_window"`
	MaxErrorHistory   int           `mapstructure:"max_error_history"`
}

// ScalingConfig configures the adaptive scaler
type ScalingConfig struct {
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	SampleWindow      int           `mapstructure:"sample_window"`
	CPUThreshold      float64       `mapstructure:"cpu_threshold_pct"`
	MemoryThreshold   float64       `mapstructure:"memory_threshold_pct"`
	MinWorkers        int           `mapstructure:"min_workers"`
	MaxWorkers        int           `mapstructure:"max_workers"`
	ScaleUpCooldown   time.Duration `mapstructure:"scale_up_cooldown"`
	ScaleDownCooldown time.Duration `mapstructure:"scale_down_cooldown"`
}

// MonitorConfig configures session aggregation and alerting
type MonitorConfig struct {
	SystemSampleInterval time.Duration `mapstructure:"system_sample_interval"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	StaleMultiplier      int           `mapstructure:"stale_multiplier"`
	AlertWindow          int           `mapstructure:"alert_window"`
	BaselineDepth        int           `mapstructure:"baseline_depth"`
	RegressionPct        float64       `mapstructure:"regression_pct"`
	FailureRateThreshold float64       `mapstructure:"failure_rate_threshold"`
	MaintenanceInterval  time.Duration `mapstructure:"maintenance_interval"`
}

// HistoryConfig configures the session summary store
type HistoryConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConcurrency: runtime.NumCPU(),
			JobTimeout:     10 * time.Minute,
		},
		Health: HealthConfig{
			SampleInterval:  5 * time.Second,
			HistorySize:     10,
			MemoryCeilingMB: 2048,
			LeakWindow:      5,
			LeakIncreases:   4,
			TrendDeadband:   10.0,
		},
		Recovery: RecoveryConfig{
			MaxRetryAttempts:  3,
			RetryDelay:        time.Second,
			BackoffMultiplier: 2.0,
			ErrorWindow:       5 * time.Minute,
			MaxErrorHistory:   500,
		},
		Scaling: ScalingConfig{
			SampleInterval:    10 * time.Second,
			SampleWindow:      60,
			CPUThreshold:      75.0,
			MemoryThreshold:   80.0,
			MinWorkers:        1,
			MaxWorkers:        runtime.NumCPU() * 2,
			ScaleUpCooldown:   30 * time.Second,
			ScaleDownCooldown: 60 * time.Second,
		},
		Monitor: MonitorConfig{
			SystemSampleInterval: 10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			StaleMultiplier:      3,
			AlertWindow:          100,
			BaselineDepth:        10,
			RegressionPct:        25.0,
			FailureRateThreshold: 0.10,
			MaintenanceInterval:  time.Hour,
		},
		History: HistoryConfig{
			Path:      "./data/shiken.db",
			Retention: 7 * 24 * time.Hour,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads configuration from a file, applying defaults and env overrides
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("SHIKEN")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers default values on the viper instance
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("pool.max_concurrency", d.Pool.MaxConcurrency)
	v.SetDefault("pool.job_timeout", d.Pool.JobTimeout)

	v.SetDefault("health.sample_interval", d.Health.SampleInterval)
	v.SetDefault("health.history_size", d.Health.HistorySize)
	v.SetDefault("health.memory_ceiling_mb", d.Health.MemoryCeilingMB)
	v.SetDefault("health.leak_window", d.Health.LeakWindow)
	v.SetDefault("health.leak_increases", d.Health.LeakIncreases)
	v.SetDefault("health.trend_deadband_pct", d.Health.TrendDeadband)

	v.SetDefault("recovery.max_retry_attempts", d.Recovery.MaxRetryAttempts)
	v.SetDefault("recovery.retry_delay", d.Recovery.RetryDelay)
	v.SetDefault("recovery.backoff_multiplier", d.Recovery.BackoffMultiplier)
	v.SetDefault("recovery.error_window", d.Recovery.ErrorWindow)
	v.SetDefault("recovery.max_error_history", d.Recovery.MaxErrorHistory)

	v.SetDefault("scaling.sample_interval", d.Scaling.SampleInterval)
	v.SetDefault("scaling.sample_window", d.Scaling.SampleWindow)
	v.SetDefault("scaling.cpu_threshold_pct", d.Scaling.CPUThreshold)
	v.SetDefault("scaling.memory_threshold_pct", d.Scaling.MemoryThreshold)
	v.SetDefault("scaling.min_workers", d.Scaling.MinWorkers)
	v.SetDefault("scaling.max_workers", d.Scaling.MaxWorkers)
	v.SetDefault("scaling.scale_up_cooldown", d.Scaling.ScaleUpCooldown)
	v.SetDefault("scaling.scale_down_cooldown", d.Scaling.ScaleDownCooldown)

	v.SetDefault("monitor.system_sample_interval", d.Monitor.SystemSampleInterval)
	v.SetDefault("monitor.heartbeat_interval", d.Monitor.HeartbeatInterval)
	v.SetDefault("monitor.stale_multiplier", d.Monitor.StaleMultiplier)
	v.SetDefault("monitor.alert_window", d.Monitor.AlertWindow)
	v.SetDefault("monitor.baseline_depth", d.Monitor.BaselineDepth)
	v.SetDefault("monitor.regression_pct", d.Monitor.RegressionPct)
	v.SetDefault("monitor.failure_rate_threshold", d.Monitor.FailureRateThreshold)
	v.SetDefault("monitor.maintenance_interval", d.Monitor.MaintenanceInterval)

	v.SetDefault("history.path", d.History.Path)
	v.SetDefault("history.retention", d.History.Retention)

	v.SetDefault("log.output_path", d.Log.OutputPath)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Validate checks configuration values
func Validate(cfg *Config) error {
	if cfg.Pool.MaxConcurrency < 1 {
		return fmt.Errorf("pool.max_concurrency must be at least 1")
	}

	if cfg.Health.SampleInterval <= 0 {
		return fmt.Errorf("health.sample_interval must be positive")
	}
	if cfg.Health.HistorySize < cfg.Health.LeakWindow {
		return fmt.Errorf("health.history_size must be at least the leak window")
	}
	if cfg.Health.LeakIncreases > cfg.Health.LeakWindow {
		return fmt.Errorf("health.leak_increases cannot exceed leak_window")
	}
	if cfg.Health.MemoryCeilingMB <= 0 {
		return fmt.Errorf("health.memory_ceiling_mb must be positive")
	}

	if cfg.Recovery.MaxRetryAttempts < 1 {
		return fmt.Errorf("recovery.max_retry_attempts must be at least 1")
	}
	if cfg.Recovery.BackoffMultiplier < 1 {
		return fmt.Errorf("recovery.backoff_multiplier must be at least 1")
	}
	if cfg.Recovery.ErrorWindow <= 0 {
		return fmt.Errorf("recovery.error_window must be positive")
	}

	if cfg.Scaling.CPUThreshold <= 0 || cfg.Scaling.CPUThreshold > 100 {
		return fmt.Errorf("scaling.cpu_threshold_pct must be in (0, 100]")
	}
	if cfg.Scaling.MemoryThreshold <= 0 || cfg.Scaling.MemoryThreshold > 100 {
		return fmt.Errorf("scaling.memory_threshold_pct must be in (0, 100]")
	}
	if cfg.Scaling.MinWorkers < 1 {
		return fmt.Errorf("scaling.min_workers must be at least 1")
	}
	if cfg.Scaling.MaxWorkers < cfg.Scaling.MinWorkers {
		return fmt.Errorf("scaling.max_workers must be at least min_workers")
	}

	if cfg.Monitor.BaselineDepth < 1 {
		return fmt.Errorf("monitor.baseline_depth must be at least 1")
	}
	if cfg.Monitor.FailureRateThreshold < 0 || cfg.Monitor.FailureRateThreshold > 1 {
		return fmt.Errorf("monitor.failure_rate_threshold must be in [0, 1]")
	}

	if cfg.History.Retention <= 0 {
		return fmt.Errorf("history.retention must be positive")
	}

	return nil
}
