package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "api": {"base_url": "https://example.test/", "referral_code": "abc"},
  "retry": {"max_attempts": 4, "backoff_min": "1s", "backoff_max": "2s", "timeout_min": "5s", "timeout_max": "6s"},
  "delays": {"action_min": "1s", "action_max": "3s"},
  "sessions": {"dir": "./sessions", "credential": {"driver": "file"}},
  "tasks": {"enable_channel_subscriptions": true},
  "logging": {"level": "debug", "console": true}
}`

const sampleYAML = `
api:
  base_url: https://example.test/
  referral_code: abc
retry:
  max_attempts: 4
  backoff_min: 1s
  backoff_max: 2s
  timeout_min: 5s
  timeout_max: 6s
delays:
  action_min: 1s
  action_max: 3s
sessions:
  dir: ./sessions
  credential:
    driver: file
tasks:
  enable_channel_subscriptions: true
logging:
  level: debug
  console: true
`

const sampleTOML = `
[api]
base_url = "https://example.test/"
referral_code = "abc"

[retry]
max_attempts = 4
backoff_min = "1s"
backoff_max = "2s"
timeout_min = "5s"
timeout_max = "6s"

[delays]
action_min = "1s"
action_max = "3s"

[sessions]
dir = "./sessions"

[sessions.credential]
driver = "file"

[tasks]
enable_channel_subscriptions = true

[logging]
level = "debug"
console = true
`

func TestDecodeFormatsAgree(t *testing.T) {
	fromJSON, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	fromYAML, err := Decode("c.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	fromTOML, err := Decode("c.toml", []byte(sampleTOML))
	if err != nil {
		t.Fatalf("toml: %v", err)
	}
	if !reflect.DeepEqual(fromJSON, fromYAML) {
		t.Fatalf("yaml differs from json:\n%+v\n%+v", fromJSON, fromYAML)
	}
	if !reflect.DeepEqual(fromJSON, fromTOML) {
		t.Fatalf("toml differs from json:\n%+v\n%+v", fromJSON, fromTOML)
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"api": {"base_url": "https://x.test", "bogus": 1}}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Decode("c.json", []byte(`{} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestResolveDefaults(t *testing.T) {
	r, err := Resolve(&Config{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.BaseURL != DefaultBaseURL || r.Language != "RU" || r.Timezone != "Europe/Moscow" {
		t.Fatalf("unexpected api defaults: %+v", r)
	}
	if r.MaxAttempts != 3 || r.PollAttempts != 10 {
		t.Fatalf("unexpected attempt defaults: %d %d", r.MaxAttempts, r.PollAttempts)
	}
	if r.SafetyMargin != time.Minute || r.Pause != 10*time.Second || r.MinSleep != 10*time.Second || r.Idle != time.Minute {
		t.Fatalf("unexpected scheduler defaults: %+v", r)
	}
	if r.PollInterval != (Range{Min: 3 * time.Second, Max: 5 * time.Second}) {
		t.Fatalf("poll interval=%+v", r.PollInterval)
	}
	if r.TaskPause != (Range{Min: 5 * time.Second, Max: 10 * time.Second}) {
		t.Fatalf("task pause=%+v", r.TaskPause)
	}
}

func TestResolveTrimsBaseURL(t *testing.T) {
	cfg, err := Decode("c.json", []byte(sampleJSON))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r.BaseURL != "https://example.test" {
		t.Fatalf("base url=%q", r.BaseURL)
	}
	if r.Backoff != (Range{Min: time.Second, Max: 2 * time.Second}) || r.MaxAttempts != 4 {
		t.Fatalf("retry=%+v %d", r.Backoff, r.MaxAttempts)
	}
}

func TestResolveRejectsInvertedRangeAndBadDriver(t *testing.T) {
	cfg := &Config{
		Retry:    RetryConfig{BackoffMin: "10s", BackoffMax: "1s"},
		Sessions: SessionsConfig{Credential: CredentialConfig{Driver: "carrier-pigeon"}},
		Logging:  LoggingConfig{Level: "loud"},
	}
	_, err := Resolve(cfg)
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"retry.backoff", "carrier-pigeon", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
}

func TestSummarizeChange(t *testing.T) {
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Logging: LoggingConfig{Level: "debug"}, Retry: RetryConfig{MaxAttempts: 5}}

	ch := SummarizeChange(oldCfg, newCfg)
	if !reflect.DeepEqual(ch.Sections, []string{"retry", "logging"}) {
		t.Fatalf("sections=%v", ch.Sections)
	}
	if !reflect.DeepEqual(ch.Restart, []string{"retry"}) {
		t.Fatalf("restart=%v", ch.Restart)
	}
	if SummarizeChange(oldCfg, oldCfg).Empty() != true {
		t.Fatalf("identical configs should produce an empty change")
	}
}

func TestWatchPublishesValidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"logging": {"level": "info"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := NewConfigManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	sub := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("level=%q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed level=%q", m.Get().Logging.Level)
	}
}

func TestParseDurationField(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
		set  bool
		bad  bool
	}{
		{raw: "", want: 0},
		{raw: "  ", want: 0},
		{raw: "90", want: 90 * time.Second, set: true},
		{raw: "0", want: 0, set: true},
		{raw: "1m30s", want: 90 * time.Second, set: true},
		{raw: "-1s", set: true, bad: true},
		{raw: "soon", set: true, bad: true},
	}
	for _, c := range cases {
		d, set, err := ParseDurationField("x", c.raw)
		if (err != nil) != c.bad {
			t.Fatalf("%q: err=%v", c.raw, err)
		}
		if set != c.set || (!c.bad && d != c.want) {
			t.Fatalf("%q: got %s set=%v", c.raw, d, set)
		}
	}

	d, err := ParseDurationOrDefault("x", "", time.Minute)
	if err != nil || d != time.Minute {
		t.Fatalf("blank: %s %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	if err != nil || d != 0 {
		t.Fatalf("explicit zero: %s %v", d, err)
	}
}
