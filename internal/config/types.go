package config

// Config is the on-disk configuration. JSON, YAML and TOML files decode into
// the same shape (YAML/TOML are coerced to JSON first).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	API       APIConfig       `json:"api"`
	Retry     RetryConfig     `json:"retry"`
	Delays    DelaysConfig    `json:"delays"`
	Farming   FarmingConfig   `json:"farming"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Sessions  SessionsConfig  `json:"sessions"`
	Proxies   ProxiesConfig   `json:"proxies"`
	Tasks     TasksConfig     `json:"tasks"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Report    ReportConfig    `json:"report"`
	Status    StatusConfig    `json:"status"`
}

// APIConfig describes the remote game service.
//
// Defaults:
//   - base_url: "https://nutsfarm.crypton.xyz"
//   - language: "RU"
//   - timezone: "Europe/Moscow"
type APIConfig struct {
	BaseURL  string `json:"base_url"`
	Language string `json:"language,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	// RatePerSec caps requests per second per session. 0 disables the limiter.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`

	// ReferralCode is used at registration when the credential carries none.
	ReferralCode string `json:"referral_code,omitempty"`

	// UserAgents overrides the builtin pool a session's user agent is picked from.
	UserAgents []string `json:"user_agents,omitempty"`
}

// RetryConfig is the process-wide retry policy of the request executor.
type RetryConfig struct {
	MaxAttempts int    `json:"max_attempts"`
	BackoffMin  string `json:"backoff_min"`
	BackoffMax  string `json:"backoff_max"`
	TimeoutMin  string `json:"timeout_min"`
	TimeoutMax  string `json:"timeout_max"`
}

// DelaysConfig holds the pacing ranges used inside a session run.
type DelaysConfig struct {
	ActionMin       string `json:"action_min"`
	ActionMax       string `json:"action_max"`
	TaskPauseMin    string `json:"task_pause_min,omitempty"`
	TaskPauseMax    string `json:"task_pause_max,omitempty"`
	StepMin         string `json:"step_min,omitempty"`
	StepMax         string `json:"step_max,omitempty"`
	PollIntervalMin string `json:"poll_interval_min,omitempty"`
	PollIntervalMax string `json:"poll_interval_max,omitempty"`
	PollAttempts    int    `json:"poll_attempts,omitempty"`
}

type FarmingConfig struct {
	SafetyMargin string `json:"safety_margin,omitempty"`
}

// SchedulerConfig controls the session scheduler loop.
//
// Defaults: pause 10s, min_sleep 10s, idle 60s, start_spread 60s,
// invalid_session_cooldown 1h, crash delay 5s..15s.
type SchedulerConfig struct {
	Pause                  string `json:"pause,omitempty"`
	MinSleep               string `json:"min_sleep,omitempty"`
	Idle                   string `json:"idle,omitempty"`
	StartSpread            string `json:"start_spread,omitempty"`
	InvalidSessionCooldown string `json:"invalid_session_cooldown,omitempty"`
	CrashDelayMin          string `json:"crash_delay_min,omitempty"`
	CrashDelayMax          string `json:"crash_delay_max,omitempty"`
}

// SessionsConfig lists the sessions to operate.
// The roster is Names plus every "*.session" file found in Dir.
type SessionsConfig struct {
	Dir        string           `json:"dir"`
	Names      []string         `json:"names,omitempty"`
	Credential CredentialConfig `json:"credential"`
}

// CredentialConfig selects how a session's signed payload is obtained.
//
// Driver values:
//   - "file": payload read from <sessions.dir>/<name>.session
//   - "exec": Command is run with the session name (and proxy) appended; stdout is the payload
type CredentialConfig struct {
	Driver  string   `json:"driver"`
	Command []string `json:"command,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type ProxiesConfig struct {
	Enabled bool   `json:"enabled"`
	File    string `json:"file,omitempty"`
	// Log prints the bound proxy (host:port only) when a session starts.
	Log bool `json:"log,omitempty"`
}

type TasksConfig struct {
	EnableChannelSubscriptions bool            `json:"enable_channel_subscriptions"`
	Subscribe                  SubscribeConfig `json:"subscribe,omitempty"`
}

// SubscribeConfig wires the channel-join side action to an external helper.
type SubscribeConfig struct {
	WebhookURL    string `json:"webhook_url,omitempty"`
	MaxFloodWaits int    `json:"max_flood_waits,omitempty"`
	MaxFloodWait  string `json:"max_flood_wait,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/nutsfarm.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
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

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the bot used for run reports and the log sink.
// An empty token disables everything Telegram-related.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// ReportConfig controls per-run summaries and the periodic schedule digest.
type ReportConfig struct {
	Enabled    bool   `json:"enabled"`
	OnlyGains  bool   `json:"only_gains,omitempty"`
	Digest     string `json:"digest,omitempty"` // cron spec, seconds optional
	Timezone   string `json:"timezone,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// StatusConfig exposes /healthz, /status (the schedule snapshot) and,
// when Pprof is set, /debug/pprof/. Defaults to 127.0.0.1:6061.
type StatusConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}
