package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"nutsfarm/internal/credential"
	"nutsfarm/internal/eventbus"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeRunner returns a scripted sleep (or error/panic) per session.
type fakeRunner struct {
	mu      sync.Mutex
	sleep   map[string]time.Duration
	errs    map[string]error
	panics  map[string]bool
	runs    map[string]int
	forgot  []string
	running map[string]bool
	overlap bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		sleep:   map[string]time.Duration{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
		runs:    map[string]int{},
		running: map[string]bool{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, name string) (session.Report, error) {
	f.mu.Lock()
	if f.running[name] {
		f.overlap = true
	}
	f.running[name] = true
	f.runs[name]++
	sleep, err, boom := f.sleep[name], f.errs[name], f.panics[name]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[name] = false
		f.mu.Unlock()
	}()
	if boom {
		panic("worker exploded")
	}
	return session.Report{Session: name, Sleep: sleep, Err: err}, err
}

func (f *fakeRunner) Forget(name string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, name)
	f.mu.Unlock()
}

func (f *fakeRunner) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[name]
}

func newScheduler(r Runner, c *clock, bus eventbus.Bus) *Scheduler {
	return New(r, Options{
		Pause:           10 * time.Second,
		MinSleep:        10 * time.Second,
		Idle:            time.Minute,
		InvalidCooldown: time.Hour,
		CrashDelay:      pace.Range{Min: 5 * time.Second, Max: 15 * time.Second},
		Bus:             bus,
		Rand:            pace.NewRand(1),
		Now:             c.Now,
	})
}

func TestNoSessionsIdles(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := newScheduler(newFakeRunner(), c, nil)
	assert.Equal(t, time.Minute, s.tick(context.Background()))
}

func TestWakeTimeIsRespected(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	r.sleep["a"] = time.Hour
	s := newScheduler(r, c, nil)
	s.applyRoster([]string{"a"})

	delay := s.tick(context.Background())
	assert.Equal(t, time.Hour, delay)
	assert.Equal(t, 1, r.count("a"))

	c.Advance(30 * time.Minute)
	delay = s.tick(context.Background())
	assert.Equal(t, 30*time.Minute, delay)
	assert.Equal(t, 1, r.count("a"), "must not run before its wake time")

	c.Advance(30 * time.Minute)
	s.tick(context.Background())
	assert.Equal(t, 2, r.count("a"))
}

func TestAwakeSessionCausesShortPause(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	r.sleep["a"] = time.Hour
	s := newScheduler(r, c, nil)
	s.applyRoster([]string{"a", "b"})

	assert.Equal(t, 10*time.Second, s.tick(context.Background()))
	assert.Equal(t, 1, r.count("a"))
	assert.Equal(t, 1, r.count("b"))
}

func TestMinSleepFloor(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	r.sleep["a"] = time.Second
	s := newScheduler(r, c, nil)
	s.applyRoster([]string{"a"})
	assert.Equal(t, 10*time.Second, s.tick(context.Background()))
}

func TestEarliestWakeWins(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	r.sleep["a"] = 2 * time.Hour
	r.sleep["b"] = 20 * time.Minute
	s := newScheduler(r, c, nil)
	s.applyRoster([]string{"a", "b"})
	assert.Equal(t, 20*time.Minute, s.tick(context.Background()))
}

func TestInvalidSessionIsParked(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	r.errs["a"] = fmt.Errorf("credential: %w", credential.ErrInvalidSession)
	s := newScheduler(r, c, nil)
	s.applyRoster([]string{"a"})

	assert.Equal(t, time.Hour, s.tick(context.Background()))
	assert.Equal(t, []string{"a"}, r.forgot)

	snap := s.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Contains(t, snap.Sessions[0].LastError, "invalid session")
	assert.Equal(t, c.Now().Add(time.Hour), snap.Sessions[0].WakeAt)
}

func TestPanickingSessionDoesNotStopOthers(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	r.panics["bad"] = true
	r.sleep["good"] = time.Hour
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := newScheduler(r, c, bus)
	s.applyRoster([]string{"bad", "good"})
	delay, err := s.safeTick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, delay)
	assert.Equal(t, 1, r.count("good"))

	var reports []session.Report
	for len(events) > 0 {
		ev := <-events
		if ev.Type == eventbus.RunFinished {
			reports = append(reports, ev.Data.(session.Report))
		}
	}
	require.Len(t, reports, 2)
	for _, rep := range reports {
		assert.NotEmpty(t, rep.RunID)
		if rep.Session == "bad" {
			assert.ErrorContains(t, rep.Err, "panicked")
		}
	}
}

func TestStartSpread(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	s := New(r, Options{StartSpread: time.Minute, Pause: time.Second, Rand: pace.NewRand(9), Now: c.Now})
	names := []string{"a", "b", "c", "d"}
	s.applyRoster(names)

	for _, n := range names {
		at, ok := s.wake[n]
		require.True(t, ok)
		assert.False(t, at.Before(c.Now()))
		assert.False(t, at.After(c.Now().Add(time.Minute)))
	}

	c.Advance(time.Minute)
	s.tick(context.Background())
	for _, n := range names {
		assert.Equal(t, 1, r.count(n))
	}
}

func TestRosterRemovalForgets(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	r := newFakeRunner()
	s := newScheduler(r, c, nil)
	s.applyRoster([]string{"a", "b"})
	s.applyRoster([]string{"b"})
	assert.Equal(t, []string{"b"}, s.names)
	assert.Equal(t, []string{"a"}, r.forgot)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newFakeRunner()
	r.sleep["a"] = time.Hour
	s := New(r, Options{Pause: time.Millisecond, MinSleep: time.Millisecond, Idle: time.Millisecond, Rand: pace.NewRand(1)})
	s.SetSessions([]string{"a"})
	s.SetSessions([]string{"a", "b"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count("b") >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.False(t, r.overlap)
	assert.Equal(t, 1, r.runs["a"])
	assert.Len(t, s.Snapshot().Sessions, 2)
}
