package config

import (
	"reflect"
	"strings"

	logx "nutsfarm/pkg/logx"
)

// Live sections are applied without a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"proxies":  true,
	"sessions": true,
	"status":   true,
}

// Change summarizes a config reload.
type Change struct {
	Sections []string
	// Restart lists changed sections that only take effect after a restart.
	Restart []string
	// Fields are safe structured attrs for logging (never tokens or passwords).
	Fields []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, fields ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if !liveSections[section] {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		mark("api", logx.String("api.base_url", newCfg.API.BaseURL))
	}
	if oldCfg.Retry != newCfg.Retry {
		mark("retry", logx.Int("retry.max_attempts", newCfg.Retry.MaxAttempts))
	}
	if oldCfg.Delays != newCfg.Delays {
		mark("delays")
	}
	if oldCfg.Farming != newCfg.Farming {
		mark("farming", logx.String("farming.safety_margin", newCfg.Farming.SafetyMargin))
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler")
	}
	if !reflect.DeepEqual(oldCfg.Sessions, newCfg.Sessions) {
		mark("sessions",
			logx.String("sessions.dir", newCfg.Sessions.Dir),
			logx.Int("sessions.names", len(newCfg.Sessions.Names)),
		)
	}
	if oldCfg.Proxies != newCfg.Proxies {
		mark("proxies", logx.Bool("proxies.enabled", newCfg.Proxies.Enabled))
	}
	if oldCfg.Tasks != newCfg.Tasks {
		mark("tasks", logx.Bool("tasks.enable_channel_subscriptions", newCfg.Tasks.EnableChannelSubscriptions))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if strings.TrimSpace(oldCfg.Telegram.Token) != strings.TrimSpace(newCfg.Telegram.Token) ||
		oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID {
		mark("telegram", logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""))
	}
	if oldCfg.Report != newCfg.Report {
		mark("report", logx.Bool("report.enabled", newCfg.Report.Enabled), logx.String("report.digest", newCfg.Report.Digest))
	}
	if oldCfg.Status != newCfg.Status {
		mark("status", logx.Bool("status.enabled", newCfg.Status.Enabled), logx.String("status.addr", newCfg.Status.Addr))
	}
	return ch
}
