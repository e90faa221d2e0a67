package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "720h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Dispatch DispatchConfig `json:"dispatch"`
	Detect   DetectConfig   `json:"detect"`
	Storage  StorageConfig  `json:"storage"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// ModChatID receives review artifacts; LogChatID receives alerts and
	// log alerts (defaults to ModChatID).
	ModChatID int64 `json:"mod_chat_id"`
	LogChatID int64 `json:"log_chat_id,omitempty"`

	// Chats are the moderated groups known at startup.
	Chats []int64 `json:"chats,omitempty"`

	PollTimeout string  `json:"poll_timeout"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to telegram.log_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatchConfig controls the work dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - workers: 6
//   - min_delay: "1s" (values below one second are raised)
//   - shutdown_grace: "5s"
//   - history_size: 200
//   - health_interval: "1m"
type DispatchConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MinDelay       string `json:"min_delay,omitempty"`
	ShutdownGrace  string `json:"shutdown_grace,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	HealthInterval string `json:"health_interval,omitempty"`
}

// DetectConfig holds detector thresholds. Changes apply on hot reload.
//
// Defaults: link_threshold 3, dormant_window "720h", cleanup_window "5m",
// timeout_duration "24h", duplicate_min_length 10, duplicate_window "5m".
type DetectConfig struct {
	LinkThreshold   int    `json:"link_threshold,omitempty"`
	DormantWindow   string `json:"dormant_window,omitempty"`
	CleanupWindow   string `json:"cleanup_window,omitempty"`
	TimeoutDuration string `json:"timeout_duration,omitempty"`

	// Duplicate repost detection is on unless explicitly disabled.
	Duplicates         *bool  `json:"duplicates,omitempty"`
	DuplicateMinLength int    `json:"duplicate_min_length,omitempty"`
	DuplicateWindow    string `json:"duplicate_window,omitempty"`

	// RejoinWindow bounds the join-leave-join sequences that raise an alert.
	RejoinWindow string `json:"rejoin_window,omitempty"`
}

// StorageConfig controls the activity store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/modbot.db", "retention": "1440h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// Retention bounds how long activity is kept (default "1440h"; "0s"
	// disables pruning). PruneSchedule is a cron spec, interval or HH:MM
	// (default "@daily").
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (/metrics, /healthz,
// pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
