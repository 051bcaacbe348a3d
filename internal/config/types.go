package config

// Config is the on-disk configuration. JSON and YAML are both accepted; YAML
// is coerced to JSON so one strict decoder covers both. Unknown keys are
// rejected so typos surface at load time instead of silently defaulting.
//
// All durations are Go duration strings (e.g. "500ms", "15s", "720h").
type Config struct {
	Discord      DiscordConfig      `json:"discord"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Dispatcher   DispatcherConfig   `json:"dispatcher"`
	Housekeeping HousekeepingConfig `json:"housekeeping,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token"`
	// RatePerSec caps outbound messages; 0 keeps the built-in default.
	RatePerSec int `json:"rate_per_sec,omitempty"`
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

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // default "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DispatcherConfig struct {
	Enabled bool `json:"enabled"`
	// Cadence is the due-scan period. Default "15s".
	Cadence string `json:"cadence,omitempty"`
	// BatchLimit caps schedules claimed per scan. Default 100.
	BatchLimit int `json:"batch_limit,omitempty"`
}

type HousekeepingConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a 5-field cron spec. Default "0 4 * * *".
	Schedule string `json:"schedule,omitempty"`
	// Retention is how long terminal schedules and audit entries survive.
	// Default "720h" (30 days).
	Retention string `json:"retention,omitempty"`
}
