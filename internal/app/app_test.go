package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nutsfarm/internal/config"
	"nutsfarm/internal/scheduler"
	"nutsfarm/internal/subscribe"
	logx "nutsfarm/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, names []string) string {
	t.Helper()
	cfg := map[string]any{
		"api":       map[string]any{"base_url": "http://127.0.0.1:1"},
		"retry":     map[string]any{"max_attempts": 1, "backoff_min": "0", "backoff_max": "0"},
		"scheduler": map[string]any{"start_spread": "0", "idle": "1h", "pause": "1h"},
		"sessions":  map[string]any{"dir": dir, "names": names, "credential": map[string]any{"driver": "file"}},
		"storage":   map[string]any{"driver": "file", "path": filepath.Join(dir, "state")},
		"logging":   map[string]any{"level": "error", "console": true},
	}
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func findSession(snap scheduler.Snapshot, name string) (scheduler.SessionState, bool) {
	for _, st := range snap.Sessions {
		if st.Name == name {
			return st, true
		}
	}
	return scheduler.SessionState{}, false
}

func TestAppParksSessionWithoutCredential(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, []string{"bob"}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		st, ok := findSession(a.Snapshot(), "bob")
		return ok && st.LastError != "" && st.WakeAt.After(time.Now().Add(50*time.Minute))
	}, 5*time.Second, 20*time.Millisecond)

	// stop right away: the run's report is still buffered for the audit
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	<-a.Done()

	store, err := OpenStore(a.cfgm.Get(), logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "bob", runs[0].Session)
	assert.NotEmpty(t, runs[0].Error)
}

func TestAppAppliesRosterOnReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, nil)
	a, err := NewApp(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background(), StopAppStop)

	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Sessions.Names = []string{"carol"}
	newCfg.Status = config.StatusConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a.apply(oldCfg, &newCfg)

	require.Eventually(t, func() bool {
		_, ok := findSession(a.Snapshot(), "carol")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool { return a.status.Addr() != "" }, 5*time.Second, 20*time.Millisecond)
	resp, err := http.Get("http://" + a.status.Addr() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var view statusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	_, ok := findSession(view.Snapshot, "carol")
	assert.True(t, ok)
	assert.Zero(t, view.EventsDropped)
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage": {"driver": "sqlite"}}`), 0o600))
	_, err := NewApp(path)
	assert.ErrorContains(t, err, "storage.path")

	require.NoError(t, os.WriteFile(path, []byte(`{"nope": 1}`), 0o600))
	_, err = NewApp(path)
	assert.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	r := config.Resolved{StorageBusyTimeout: 3 * time.Second}

	sc, err := mapStorageConfig(&config.Config{}, r)
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}}, r)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis", RedisAddr: "localhost:6379", RedisPrefix: "nf"}}, r)
	require.NoError(t, err)
	assert.Equal(t, "nf", sc.RedisPrefix)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}}, r)
	assert.Error(t, err)
	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "etcd"}}, r)
	assert.Error(t, err)
}

func TestBuildSubscriber(t *testing.T) {
	r := config.Resolved{FloodWaits: 2, FloodWaitMax: time.Minute, SubscribeTimeout: time.Second}

	off := buildSubscriber(&config.Config{}, r, nil, logx.Nop())
	assert.IsType(t, subscribe.Disabled{}, off)

	noHook := buildSubscriber(&config.Config{Tasks: config.TasksConfig{EnableChannelSubscriptions: true}}, r, nil, logx.Nop())
	assert.IsType(t, subscribe.Disabled{}, noHook)

	on := buildSubscriber(&config.Config{Tasks: config.TasksConfig{
		EnableChannelSubscriptions: true,
		Subscribe:                  config.SubscribeConfig{WebhookURL: "http://helper.local/join"},
	}}, r, nil, logx.Nop())
	_, disabled := on.(subscribe.Disabled)
	assert.False(t, disabled)
}

func TestMapReportConfigFallsBackToAPITimezone(t *testing.T) {
	cfg := &config.Config{
		API:      config.APIConfig{Timezone: "UTC"},
		Telegram: config.TelegramConfig{ChatID: 5, ThreadID: 2},
		Report:   config.ReportConfig{Enabled: true, Digest: " @daily "},
	}
	rc := mapReportConfig(cfg)
	assert.Equal(t, "UTC", rc.Timezone)
	assert.Equal(t, "@daily", rc.Digest)
	assert.Equal(t, int64(5), rc.ChatID)
	assert.Equal(t, 2, rc.ThreadID)
}

func TestAppReloadsProxyPool(t *testing.T) {
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(context.Background(), StopAppStop)

	u, err := a.binder.Resolve(ctx, "dave")
	require.NoError(t, err)
	assert.Nil(t, u)

	pool := filepath.Join(dir, "proxies.txt")
	require.NoError(t, os.WriteFile(pool, []byte("# pool\n10.0.0.1:8080\n"), 0o600))
	oldCfg := a.cfgm.Get()
	newCfg := *oldCfg
	newCfg.Proxies = config.ProxiesConfig{Enabled: true, File: pool}
	a.apply(oldCfg, &newCfg)

	u, err = a.binder.Resolve(ctx, "dave")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "10.0.0.1:8080", u.Host)
}
