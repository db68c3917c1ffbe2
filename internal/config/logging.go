package config

import (
	"strings"

	logx "nutsfarm/pkg/logx"
)

// LogxConfig maps the logging section (plus the telegram target) onto logx.
func LogxConfig(cfg *Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "info", Console: true}
	}
	l := cfg.Logging
	out := logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
			ChatID:     cfg.Telegram.ChatID,
			ThreadID:   cfg.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
	if l.Telegram.ThreadID != 0 {
		out.Telegram.ThreadID = l.Telegram.ThreadID
	}
	return out
}
