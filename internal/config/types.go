package config

// File is the on-disk configuration, JSON or YAML. All durations are Go
// duration strings (e.g. "500ms", "10s", "1m").
type File struct {
	Logging  LoggingConfig  `json:"logging"`
	Sessions SessionsConfig `json:"sessions"`
	Telegram TelegramConfig `json:"telegram"`

	Pool        *PoolConfig        `json:"pool,omitempty"`
	Dispatch    *DispatchConfig    `json:"dispatch,omitempty"`
	RateLimit   *RateLimitConfig   `json:"rate_limit,omitempty"`
	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Metrics     *MetricsConfig     `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SessionsConfig locates the credential artifacts.
type SessionsConfig struct {
	Dir            string `json:"dir"`
	BackupDir      string `json:"backup_dir,omitempty"`
	BackupKeepDays int    `json:"backup_keep_days,omitempty"`
	// Watch enables reacting to artifacts appearing or disappearing
	// while the process runs.
	Watch bool `json:"watch,omitempty"`
}

// TelegramConfig maps identity keys to their bot tokens.
type TelegramConfig struct {
	Tokens map[string]string `json:"tokens"`
}

type PoolConfig struct {
	MaxParallel int `json:"max_parallel,omitempty"`
	// DisconnectTimeout bounds how long one disconnect may stall.
	DisconnectTimeout string `json:"disconnect_timeout,omitempty"`
}

type DispatchConfig struct {
	PaceDelay  string `json:"pace_delay,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type RateLimitConfig struct {
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// MaxWait is the longest flood wait honored automatically; anything
	// longer is surfaced to the caller instead of slept through.
	MaxWait string `json:"max_wait,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" | "file" | "none"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec
	LogKeep  string `json:"log_keep,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9180"
}
