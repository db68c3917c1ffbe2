package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"nutsfarm/internal/eventbus"
	"nutsfarm/internal/scheduler"
	"nutsfarm/internal/session"
	"nutsfarm/internal/storage"
	logx "nutsfarm/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	calls int
}

func (f *fakeSender) SendText(_ context.Context, chatID int64, threadID int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("boom")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func sampleReport(name string, initial, final float64) session.Report {
	return session.Report{
		RunID:          "run-" + name,
		Session:        name,
		Started:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Took:           3 * time.Second,
		BalanceKnown:   true,
		InitialBalance: initial,
		FinalBalance:   final,
		TasksCompleted: 2,
		TaskRewards:    150,
		Sleep:          90 * time.Minute,
	}
}

func TestFormatRun(t *testing.T) {
	out := FormatRun(sampleReport("alice", 100, 250.5))
	assert.Contains(t, out, "[alice]")
	assert.Contains(t, out, "Balance: 100 -> 250.5 (+150.5)")
	assert.Contains(t, out, "Tasks: 2 completed, 150 earned")
	assert.Contains(t, out, "Next run in 1h30m0s")
	assert.NotContains(t, out, "Farming")

	blind := sampleReport("carol", 0, 5000)
	blind.BalanceKnown = false
	assert.Contains(t, FormatRun(blind), "Balance: 5000 (start unknown)")

	rep := sampleReport("bob", 0, 0)
	rep.Err = errors.New("auth failed")
	assert.Equal(t, "[bob] run aborted: auth failed", FormatRun(rep))
}

func TestFormatDigest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	snap := scheduler.Snapshot{Sessions: []scheduler.SessionState{
		{Name: "alice", WakeAt: now.Add(2 * time.Hour)},
		{Name: "bob", LastError: "x"},
	}}
	runs := []storage.RunEntry{
		{Session: "alice", InitialBalance: 10, FinalBalance: 30, TasksCompleted: 1},
		{Session: "bob", Error: "x", InitialBalance: 0, FinalBalance: 500},
	}
	out := FormatDigest(snap, runs, time.UTC, now)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Schedule at 2024-05-01 12:00", lines[0])
	assert.Equal(t, "- alice: wakes 14:00", lines[1])
	assert.Equal(t, "- bob: due (last run failed)", lines[2])
	assert.Equal(t, "Last 2 runs: +20 earned, 1 tasks", lines[3])

	assert.Contains(t, FormatDigest(scheduler.Snapshot{}, nil, nil, now), "No sessions.")
}

func TestEntry(t *testing.T) {
	rep := sampleReport("alice", 1, 2)
	rep.Err = errors.New("bad")
	e := Entry(rep)
	assert.Equal(t, "run-alice", e.RunID)
	assert.Equal(t, rep.Started.Add(3*time.Second), e.At)
	assert.Equal(t, int64(5400), e.SleepSeconds)
	assert.Equal(t, int64(3000), e.TookMS)
	assert.Equal(t, "bad", e.Error)

	blind := sampleReport("carol", 0, 5000)
	blind.BalanceKnown = false
	e = Entry(blind)
	assert.Equal(t, 5000.0, e.InitialBalance)
	assert.Equal(t, 5000.0, e.FinalBalance)
}

func startService(t *testing.T, cfg Config, sender Sender) (*Service, eventbus.Bus, storage.Store) {
	t.Helper()
	bus := eventbus.New()
	store := storage.NewMemory()
	svc, err := New(cfg, bus, store, sender, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	return svc, bus, store
}

func TestServiceRecordsAndDelivers(t *testing.T) {
	snd := &fakeSender{}
	svc, bus, store := startService(t, Config{Enabled: true, ChatID: 42, RatePerSec: 100}, snd)

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: sampleReport("alice", 1, 5)})
	failed := sampleReport("bob", 0, 0)
	failed.Err = errors.New("credential missing")
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: failed})

	require.Eventually(t, func() bool {
		runs, _ := store.RecentRuns(context.Background(), 10)
		return len(runs) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, snd.sent()[0], "[alice]")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.ErrorIs(t, svc.enqueue("late"), ErrStopped)
}

func TestServiceOnlyGains(t *testing.T) {
	snd := &fakeSender{}
	svc, bus, store := startService(t, Config{Enabled: true, OnlyGains: true, ChatID: 1, RatePerSec: 100}, snd)
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: sampleReport("flat", 10, 10)})
	blind := sampleReport("blind", 0, 5000)
	blind.BalanceKnown = false
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: blind})
	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: sampleReport("up", 10, 11)})

	require.Eventually(t, func() bool {
		runs, _ := store.RecentRuns(context.Background(), 10)
		return len(runs) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, snd.sent()[0], "[up]")
}

func TestServiceRetriesDelivery(t *testing.T) {
	snd := &fakeSender{fails: 2}
	svc, bus, _ := startService(t, Config{Enabled: true, ChatID: 1, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond}, snd)
	defer svc.Stop(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: sampleReport("alice", 1, 2)})
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	snd.mu.Lock()
	assert.Equal(t, 3, snd.calls)
	snd.mu.Unlock()
}

func TestServiceTracksSnapshotAndDigest(t *testing.T) {
	snd := &fakeSender{}
	svc, bus, _ := startService(t, Config{Enabled: true, ChatID: 1, RatePerSec: 100}, snd)
	defer svc.Stop(context.Background())

	snap := scheduler.Snapshot{Tick: 7, Sessions: []scheduler.SessionState{{Name: "alice"}}}
	bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Data: snap})
	require.Eventually(t, func() bool { return svc.Snapshot().Tick == 7 }, 2*time.Second, 10*time.Millisecond)

	svc.digest(context.Background())
	require.Eventually(t, func() bool { return len(snd.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, snd.sent()[0], "- alice: due")
}

func TestNewRejectsBadInputs(t *testing.T) {
	_, err := New(Config{Timezone: "Not/AZone"}, eventbus.New(), nil, nil, logx.Nop())
	assert.Error(t, err)

	svc, err := New(Config{Enabled: true, ChatID: 1, Digest: "not a cron"}, eventbus.New(), nil, &fakeSender{}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, svc.Start(context.Background()))
}

func TestStopHandlesBufferedRuns(t *testing.T) {
	snd := &fakeSender{}
	svc, bus, store := startService(t, Config{Enabled: true, ChatID: 7, RatePerSec: 1000}, snd)

	for i := 0; i < 50; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: sampleReport(fmt.Sprintf("s%d", i), 1, 2)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))

	runs, err := store.RecentRuns(context.Background(), 100)
	require.NoError(t, err)
	assert.Len(t, runs, 50)
	assert.Len(t, snd.sent(), 50)
	assert.Zero(t, eventbus.Dropped(bus))
}
