// Package config defines the inferq configuration file format.
//
// Durations are expressed in milliseconds (fields ending in _ms). Load
// starts from Default, so a file only needs the keys it changes.
package config

import "time"

// Config holds runtime parameters for the service.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server" toml:"server" mapstructure:"server"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" toml:"scheduler" mapstructure:"scheduler"`
	Pool      PoolConfig      `json:"pool" yaml:"pool" toml:"pool" mapstructure:"pool"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory" toml:"memory" mapstructure:"memory"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" toml:"cache" mapstructure:"cache"`
	Store     StoreConfig     `json:"store" yaml:"store" toml:"store" mapstructure:"store"`
	Backend   BackendConfig   `json:"backend" yaml:"backend" toml:"backend" mapstructure:"backend"`
	Log       LogConfig       `json:"log" yaml:"log" toml:"log" mapstructure:"log"`
}

type ServerConfig struct {
	Addr              string   `json:"addr" yaml:"addr" toml:"addr" mapstructure:"addr" validate:"required"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeoutMs int      `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms" mapstructure:"shutdown_timeout_ms" validate:"gt=0"`
}

type SchedulerConfig struct {
	PollIntervalMs       int `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms" mapstructure:"poll_interval_ms" validate:"gt=0"`
	MaxRetries           int `json:"max_retries" yaml:"max_retries" toml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=100"`
	BaseDelayMs          int `json:"base_delay_ms" yaml:"base_delay_ms" toml:"base_delay_ms" mapstructure:"base_delay_ms" validate:"gt=0"`
	MaxDelayMs           int `json:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms" mapstructure:"max_delay_ms" validate:"gt=0"`
	StuckJobAgeMs        int `json:"stuck_job_age_ms" yaml:"stuck_job_age_ms" toml:"stuck_job_age_ms" mapstructure:"stuck_job_age_ms" validate:"gt=0"`
	StuckCheckIntervalMs int `json:"stuck_check_interval_ms" yaml:"stuck_check_interval_ms" toml:"stuck_check_interval_ms" mapstructure:"stuck_check_interval_ms" validate:"gte=0"`
}

type PoolConfig struct {
	MaxConnections        int `json:"max_connections" yaml:"max_connections" toml:"max_connections" mapstructure:"max_connections" validate:"gte=1"`
	MinConnections        int `json:"min_connections" yaml:"min_connections" toml:"min_connections" mapstructure:"min_connections" validate:"gte=0"`
	AcquireTimeoutMs      int `json:"acquire_timeout_ms" yaml:"acquire_timeout_ms" toml:"acquire_timeout_ms" mapstructure:"acquire_timeout_ms" validate:"gt=0"`
	IdleTimeoutMs         int `json:"idle_timeout_ms" yaml:"idle_timeout_ms" toml:"idle_timeout_ms" mapstructure:"idle_timeout_ms" validate:"gt=0"`
	MaxLifetimeMs         int `json:"max_lifetime_ms" yaml:"max_lifetime_ms" toml:"max_lifetime_ms" mapstructure:"max_lifetime_ms" validate:"gt=0"`
	HealthCheckIntervalMs int `json:"health_check_interval_ms" yaml:"health_check_interval_ms" toml:"health_check_interval_ms" mapstructure:"health_check_interval_ms" validate:"gte=0"`
}

type MemoryConfig struct {
	// TotalMemory is the static budget in MiB; 0 means CPU-only.
	TotalMemory          int64   `json:"total_memory" yaml:"total_memory" toml:"total_memory" mapstructure:"total_memory" validate:"gte=0"`
	SafetyBufferRatio    float64 `json:"safety_buffer_ratio" yaml:"safety_buffer_ratio" toml:"safety_buffer_ratio" mapstructure:"safety_buffer_ratio" validate:"gte=0,lt=1"`
	ReservationTimeoutMs int     `json:"reservation_timeout_ms" yaml:"reservation_timeout_ms" toml:"reservation_timeout_ms" mapstructure:"reservation_timeout_ms" validate:"gt=0"`
	SweepIntervalMs      int     `json:"sweep_interval_ms" yaml:"sweep_interval_ms" toml:"sweep_interval_ms" mapstructure:"sweep_interval_ms" validate:"gte=0"`
	Telemetry            string  `json:"telemetry" yaml:"telemetry" toml:"telemetry" mapstructure:"telemetry" validate:"oneof=static nvidia-smi"`
	NvidiaSMIPath        string  `json:"nvidia_smi_path" yaml:"nvidia_smi_path" toml:"nvidia_smi_path" mapstructure:"nvidia_smi_path"`
	Device               int     `json:"device" yaml:"device" toml:"device" mapstructure:"device" validate:"gte=0"`
}

type CacheConfig struct {
	MaxCachedArtifacts int    `json:"max_cached_artifacts" yaml:"max_cached_artifacts" toml:"max_cached_artifacts" mapstructure:"max_cached_artifacts" validate:"gte=1"`
	SessionTimeoutMs   int    `json:"session_timeout_ms" yaml:"session_timeout_ms" toml:"session_timeout_ms" mapstructure:"session_timeout_ms" validate:"gt=0"`
	SweepIntervalMs    int    `json:"sweep_interval_ms" yaml:"sweep_interval_ms" toml:"sweep_interval_ms" mapstructure:"sweep_interval_ms" validate:"gte=0"`
	ArtifactsDir       string `json:"artifacts_dir" yaml:"artifacts_dir" toml:"artifacts_dir" mapstructure:"artifacts_dir" validate:"required"`
	PersistPath        string `json:"persist_path" yaml:"persist_path" toml:"persist_path" mapstructure:"persist_path"`
	// WarmOnStart preloads up to this many of the most recently used
	// artifacts recorded at PersistPath.
	WarmOnStart int `json:"warm_on_start" yaml:"warm_on_start" toml:"warm_on_start" mapstructure:"warm_on_start" validate:"gte=0"`
}

type StoreConfig struct {
	Driver      string `json:"driver" yaml:"driver" toml:"driver" mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `json:"sqlite_path" yaml:"sqlite_path" toml:"sqlite_path" mapstructure:"sqlite_path"`
	PostgresDSN string `json:"postgres_dsn" yaml:"postgres_dsn" toml:"postgres_dsn" mapstructure:"postgres_dsn"`
	AutoMigrate bool   `json:"auto_migrate" yaml:"auto_migrate" toml:"auto_migrate" mapstructure:"auto_migrate"`
}

type BackendConfig struct {
	URL              string `json:"url" yaml:"url" toml:"url" mapstructure:"url" validate:"required,url"`
	APIKey           string `json:"api_key" yaml:"api_key" toml:"api_key" mapstructure:"api_key"`
	ConnectTimeoutMs int    `json:"connect_timeout_ms" yaml:"connect_timeout_ms" toml:"connect_timeout_ms" mapstructure:"connect_timeout_ms" validate:"gt=0"`
	RequestTimeoutMs int    `json:"request_timeout_ms" yaml:"request_timeout_ms" toml:"request_timeout_ms" mapstructure:"request_timeout_ms" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level" mapstructure:"level" validate:"oneof=trace debug info warn error off"`
	Format string `json:"format" yaml:"format" toml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ShutdownTimeoutMs: 10_000,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs:       1_000,
			MaxRetries:           3,
			BaseDelayMs:          1_000,
			MaxDelayMs:           60_000,
			StuckJobAgeMs:        30 * 60_000,
			StuckCheckIntervalMs: 5 * 60_000,
		},
		Pool: PoolConfig{
			MaxConnections:        10,
			MinConnections:        0,
			AcquireTimeoutMs:      30_000,
			IdleTimeoutMs:         5 * 60_000,
			MaxLifetimeMs:         30 * 60_000,
			HealthCheckIntervalMs: 30_000,
		},
		Memory: MemoryConfig{
			TotalMemory:          8192,
			SafetyBufferRatio:    0.1,
			ReservationTimeoutMs: 30 * 60_000,
			SweepIntervalMs:      60_000,
			Telemetry:            "static",
		},
		Cache: CacheConfig{
			MaxCachedArtifacts: 3,
			SessionTimeoutMs:   30 * 60_000,
			SweepIntervalMs:    60_000,
			ArtifactsDir:       "~/.inferq/artifacts",
			PersistPath:        "~/.inferq/cache_lru.json",
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			SQLitePath:  "~/.inferq/jobs.db",
			AutoMigrate: true,
		},
		Backend: BackendConfig{
			URL:              "http://127.0.0.1:9000",
			ConnectTimeoutMs: 5_000,
			RequestTimeoutMs: 120_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Ms converts a millisecond config value to a Duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
