package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"nutsfarm/internal/pace"
	logx "nutsfarm/pkg/logx"
)

const (
	DefaultBaseURL  = "https://nutsfarm.crypton.xyz"
	DefaultLanguage = "RU"
	DefaultTimezone = "Europe/Moscow"
)

// Range is an inclusive [Min, Max] duration window values are drawn from uniformly.
type Range = pace.Range

// Resolved is Config with defaults applied and durations parsed.
// Components receive slices of it; they never see raw strings.
type Resolved struct {
	BaseURL      string
	Language     string
	Timezone     string
	RatePerSec   float64
	ReferralCode string
	UserAgents   []string

	MaxAttempts int
	Backoff     Range
	Timeout     Range

	Action       Range
	TaskPause    Range
	Step         Range
	PollInterval Range
	PollAttempts int

	SafetyMargin time.Duration

	Pause                  time.Duration
	MinSleep               time.Duration
	Idle                   time.Duration
	StartSpread            time.Duration
	InvalidSessionCooldown time.Duration
	CrashDelay             Range

	CredentialTimeout time.Duration
	FloodWaitMax      time.Duration
	FloodWaits        int
	SubscribeTimeout  time.Duration

	StorageBusyTimeout time.Duration
}

// Resolve applies defaults and validates cfg.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, errors.New("config is nil")
	}
	var r Resolved
	var errs []error
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return def
		}
		return d
	}
	rng := func(path, rawMin, rawMax string, defMin, defMax time.Duration) Range {
		out := Range{Min: dur(path+"_min", rawMin, defMin), Max: dur(path+"_max", rawMax, defMax)}
		if out.Max < out.Min {
			errs = append(errs, fmt.Errorf("%s: max (%s) must be >= min (%s)", path, out.Max, out.Min))
		}
		return out
	}

	r.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	if r.BaseURL == "" {
		r.BaseURL = DefaultBaseURL
	}
	if u, err := url.Parse(r.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api.base_url: invalid url %q", cfg.API.BaseURL))
	}
	r.Language = firstNonEmpty(cfg.API.Language, DefaultLanguage)
	r.Timezone = firstNonEmpty(cfg.API.Timezone, DefaultTimezone)
	if cfg.API.RatePerSec < 0 {
		errs = append(errs, errors.New("api.rate_per_sec must be >= 0"))
	}
	r.RatePerSec = cfg.API.RatePerSec
	r.ReferralCode = strings.TrimSpace(cfg.API.ReferralCode)
	r.UserAgents = cfg.API.UserAgents

	r.MaxAttempts = cfg.Retry.MaxAttempts
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	r.Backoff = rng("retry.backoff", cfg.Retry.BackoffMin, cfg.Retry.BackoffMax, 3*time.Second, 10*time.Second)
	r.Timeout = rng("retry.timeout", cfg.Retry.TimeoutMin, cfg.Retry.TimeoutMax, 30*time.Second, 60*time.Second)

	r.Action = rng("delays.action", cfg.Delays.ActionMin, cfg.Delays.ActionMax, 2*time.Second, 5*time.Second)
	r.TaskPause = rng("delays.task_pause", cfg.Delays.TaskPauseMin, cfg.Delays.TaskPauseMax, 5*time.Second, 10*time.Second)
	r.Step = rng("delays.step", cfg.Delays.StepMin, cfg.Delays.StepMax, 2*time.Second, 4*time.Second)
	r.PollInterval = rng("delays.poll_interval", cfg.Delays.PollIntervalMin, cfg.Delays.PollIntervalMax, 3*time.Second, 5*time.Second)
	r.PollAttempts = cfg.Delays.PollAttempts
	if r.PollAttempts <= 0 {
		r.PollAttempts = 10
	}

	r.SafetyMargin = dur("farming.safety_margin", cfg.Farming.SafetyMargin, time.Minute)

	r.Pause = dur("scheduler.pause", cfg.Scheduler.Pause, 10*time.Second)
	r.MinSleep = dur("scheduler.min_sleep", cfg.Scheduler.MinSleep, 10*time.Second)
	r.Idle = dur("scheduler.idle", cfg.Scheduler.Idle, time.Minute)
	r.StartSpread = dur("scheduler.start_spread", cfg.Scheduler.StartSpread, time.Minute)
	r.InvalidSessionCooldown = dur("scheduler.invalid_session_cooldown", cfg.Scheduler.InvalidSessionCooldown, time.Hour)
	r.CrashDelay = rng("scheduler.crash_delay", cfg.Scheduler.CrashDelayMin, cfg.Scheduler.CrashDelayMax, 5*time.Second, 15*time.Second)

	switch strings.ToLower(strings.TrimSpace(cfg.Sessions.Credential.Driver)) {
	case "", "file":
	case "exec":
		if len(cfg.Sessions.Credential.Command) == 0 {
			errs = append(errs, errors.New("sessions.credential.command is required for exec driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.credential.driver: unknown driver %q", cfg.Sessions.Credential.Driver))
	}
	r.CredentialTimeout = dur("sessions.credential.timeout", cfg.Sessions.Credential.Timeout, 60*time.Second)

	r.FloodWaits = cfg.Tasks.Subscribe.MaxFloodWaits
	if r.FloodWaits <= 0 {
		r.FloodWaits = 3
	}
	r.FloodWaitMax = dur("tasks.subscribe.max_flood_wait", cfg.Tasks.Subscribe.MaxFloodWait, 5*time.Minute)
	r.SubscribeTimeout = dur("tasks.subscribe.timeout", cfg.Tasks.Subscribe.Timeout, 30*time.Second)

	if cfg.Storage != nil {
		r.StorageBusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Report.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when report is enabled"))
	}

	return r, errors.Join(errs...)
}

func firstNonEmpty(v, def string) string {
	if s := strings.TrimSpace(v); s != "" {
		return s
	}
	return def
}
