package app

import (
	"fmt"
	"net/http"
	"strings"

	"nutsfarm/internal/config"
	"nutsfarm/internal/credential"
	"nutsfarm/internal/observability/status"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/proxy"
	"nutsfarm/internal/report"
	"nutsfarm/internal/storage"
	"nutsfarm/internal/subscribe"
	logx "nutsfarm/pkg/logx"
)

func mapStorageConfig(cfg *config.Config, r config.Resolved) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: r.StorageBusyTimeout}, nil
	case "redis":
		if strings.TrimSpace(sc.RedisAddr) == "" {
			return storage.Config{}, fmt.Errorf("storage.redis_addr is required when storage.driver=redis")
		}
		return storage.Config{
			Driver:        "redis",
			RedisAddr:     strings.TrimSpace(sc.RedisAddr),
			RedisPassword: sc.RedisPassword,
			RedisDB:       sc.RedisDB,
			RedisPrefix:   sc.RedisPrefix,
		}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// OpenStore opens the configured store. The CLI uses it for proxy
// management without starting the scheduler.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	r, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg, r)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// proxyPool loads the proxies file, or nothing when proxies are off.
func proxyPool(cfg *config.Config) ([]string, error) {
	if !cfg.Proxies.Enabled || strings.TrimSpace(cfg.Proxies.File) == "" {
		return nil, nil
	}
	return proxy.LoadFile(cfg.Proxies.File)
}

// NewBinder builds the proxy binder over store with the configured pool.
func NewBinder(cfg *config.Config, store storage.Store) (*proxy.Binder, error) {
	pool, err := proxyPool(cfg)
	if err != nil {
		return nil, err
	}
	return proxy.NewBinder(store, pool), nil
}

// Roster lists the sessions to operate.
func Roster(cfg *config.Config) ([]string, error) {
	return credential.Discover(cfg.Sessions.Dir, cfg.Sessions.Names)
}

func buildCredential(cfg *config.Config, r config.Resolved) (credential.Provider, error) {
	c := cfg.Sessions.Credential
	return credential.New(c.Driver, cfg.Sessions.Dir, c.Command, r.CredentialTimeout)
}

func buildSubscriber(cfg *config.Config, r config.Resolved, sleep pace.SleepFunc, log logx.Logger) subscribe.Performer {
	url := strings.TrimSpace(cfg.Tasks.Subscribe.WebhookURL)
	if !cfg.Tasks.EnableChannelSubscriptions || url == "" {
		return subscribe.Disabled{}
	}
	hook := &subscribe.Webhook{
		URL:     url,
		Timeout: r.SubscribeTimeout,
		Client:  &http.Client{Timeout: r.SubscribeTimeout},
	}
	return subscribe.WithFloodRetry(hook, subscribe.FloodPolicy{
		MaxWaits: r.FloodWaits,
		MaxWait:  r.FloodWaitMax,
		Sleep:    sleep,
		Log:      log.With(logx.String("comp", "subscribe")),
	})
}

func mapReportConfig(cfg *config.Config) report.Config {
	rc := cfg.Report
	tz := strings.TrimSpace(rc.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.API.Timezone)
	}
	return report.Config{
		Enabled:    rc.Enabled,
		OnlyGains:  rc.OnlyGains,
		Digest:     strings.TrimSpace(rc.Digest),
		Timezone:   tz,
		ChatID:     cfg.Telegram.ChatID,
		ThreadID:   cfg.Telegram.ThreadID,
		RatePerSec: rc.RatePerSec,
		QueueSize:  rc.QueueSize,
		RetryMax:   2,
	}
}

func mapStatusConfig(cfg *config.Config) status.Config {
	sc := cfg.Status
	return status.Config{
		Enabled:       sc.Enabled,
		Addr:          strings.TrimSpace(sc.Addr),
		Token:         strings.TrimSpace(sc.Token),
		AllowInsecure: sc.AllowInsecure,
		Pprof:         sc.Pprof,
	}
}
