// Package scheduler decides which sessions run on each tick and how long the
// loop sleeps between ticks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"nutsfarm/internal/credential"
	"nutsfarm/internal/eventbus"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/session"
	logx "nutsfarm/pkg/logx"

	"github.com/google/uuid"
)

// Runner runs one session once. *session.Manager implements it.
type Runner interface {
	Run(ctx context.Context, name string) (session.Report, error)
}

// forgetter is implemented by runners that cache per-session state.
type forgetter interface {
	Forget(name string)
}

type Options struct {
	// Pause is the delay before re-ticking when a session ran without asking to sleep.
	Pause time.Duration
	// MinSleep bounds the sleep until the earliest wake time from below.
	MinSleep time.Duration
	// Idle is the delay when there are no sessions.
	Idle time.Duration
	// StartSpread staggers newly added sessions over [0, StartSpread].
	StartSpread time.Duration
	// InvalidCooldown parks a session whose credential was rejected.
	InvalidCooldown time.Duration
	// CrashDelay is the retry delay after a tick-level failure.
	CrashDelay pace.Range

	Bus  eventbus.Bus
	Rand *pace.Rand
	Now  func() time.Time
	Log  logx.Logger
}

// SessionState is one row of a Snapshot.
type SessionState struct {
	Name      string        `json:"name"`
	WakeAt    time.Time     `json:"wake_at,omitempty"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastSleep time.Duration `json:"last_sleep,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int           `json:"runs"`
}

// Snapshot is an immutable view of the schedule published after every tick.
type Snapshot struct {
	At        time.Time      `json:"at"`
	Tick      uint64         `json:"tick"`
	NextDelay time.Duration  `json:"next_delay"`
	Sessions  []SessionState `json:"sessions"`
}

type runInfo struct {
	at    time.Time
	sleep time.Duration
	err   string
	runs  int
}

// Scheduler is the single coordinating loop. The wake map and roster are
// owned by the goroutine calling Run; other goroutines see Snapshot only.
type Scheduler struct {
	runner Runner
	opts   Options

	updates chan []string
	snap    atomic.Pointer[Snapshot]

	// loop-owned
	names    []string
	wake     map[string]time.Time
	inflight map[string]bool
	last     map[string]runInfo
	ticks    uint64
}

func New(runner Runner, opts Options) *Scheduler {
	if opts.Rand == nil {
		opts.Rand = pace.Seeded()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		runner:   runner,
		opts:     opts,
		updates:  make(chan []string, 1),
		wake:     map[string]time.Time{},
		inflight: map[string]bool{},
		last:     map[string]runInfo{},
	}
	s.snap.Store(&Snapshot{})
	return s
}

// SetSessions replaces the roster. It never blocks; the loop applies the
// latest roster before its next tick.
func (s *Scheduler) SetSessions(names []string) {
	cp := append([]string(nil), names...)
	for {
		select {
		case s.updates <- cp:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Snapshot returns the schedule as of the last tick.
func (s *Scheduler) Snapshot() Snapshot { return *s.snap.Load() }

// Run ticks until ctx is done. Workers already running when ctx ends are
// waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.drainUpdates()
	for {
		if ctx.Err() != nil {
			return nil
		}
		delay, err := s.safeTick(ctx)
		if err != nil {
			delay = s.opts.Rand.Duration(s.opts.CrashDelay)
			s.opts.Log.Error("scheduler tick failed; retrying", logx.Err(err), logx.Duration("delay", delay))
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case names := <-s.updates:
			t.Stop()
			s.applyRoster(names)
		case <-t.C:
		}
	}
}

func (s *Scheduler) drainUpdates() {
	for {
		select {
		case names := <-s.updates:
			s.applyRoster(names)
		default:
			return
		}
	}
}

// applyRoster adds new sessions with a spread initial wake time and drops
// removed ones.
func (s *Scheduler) applyRoster(names []string) {
	now := s.opts.Now()
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	have := make(map[string]struct{}, len(s.names))
	for _, n := range s.names {
		have[n] = struct{}{}
		if _, ok := want[n]; !ok {
			delete(s.wake, n)
			delete(s.last, n)
			if f, ok := s.runner.(forgetter); ok {
				f.Forget(n)
			}
			s.opts.Log.Info("session removed", logx.Session(n))
		}
	}
	for n := range want {
		if _, ok := have[n]; ok {
			continue
		}
		if s.opts.StartSpread > 0 {
			s.wake[n] = now.Add(s.opts.Rand.Duration(pace.Range{Max: s.opts.StartSpread}))
		}
		s.opts.Log.Info("session added", logx.Session(n), logx.Time("first_run", s.wake[n]))
	}

	s.names = s.names[:0]
	for n := range want {
		s.names = append(s.names, n)
	}
	sort.Strings(s.names)
}

func (s *Scheduler) safeTick(ctx context.Context) (delay time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.Log.Error("scheduler tick panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	s.drainUpdates()
	return s.tick(ctx), nil
}

type outcome struct {
	name string
	rep  session.Report
	err  error
}

// tick runs every eligible session concurrently, waits for all of them and
// returns the delay until the next tick.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	s.ticks++
	now := s.opts.Now()

	var eligible []string
	for _, n := range s.names {
		if s.inflight[n] {
			continue
		}
		if at, ok := s.wake[n]; ok {
			if now.Before(at) {
				continue
			}
			delete(s.wake, n)
		}
		eligible = append(eligible, n)
	}

	results := make([]outcome, len(eligible))
	var wg sync.WaitGroup
	for i, n := range eligible {
		s.inflight[n] = true
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			results[i] = s.runOne(ctx, name)
		}(i, n)
	}
	wg.Wait()

	awake := false
	for _, res := range results {
		delete(s.inflight, res.name)
		done := s.opts.Now()
		info := s.last[res.name]
		info.at = done
		info.runs++
		info.sleep = res.rep.Sleep
		info.err = ""
		if res.err != nil {
			info.err = res.err.Error()
		}
		s.last[res.name] = info

		switch {
		case errors.Is(res.err, credential.ErrInvalidSession) && s.opts.InvalidCooldown > 0:
			s.wake[res.name] = done.Add(s.opts.InvalidCooldown)
			if f, ok := s.runner.(forgetter); ok {
				f.Forget(res.name)
			}
			s.opts.Log.Warn("session credential rejected; parking",
				logx.Session(res.name), logx.Duration("cooldown", s.opts.InvalidCooldown), logx.Err(res.err))
		case res.rep.SleepRequested():
			s.wake[res.name] = done.Add(res.rep.Sleep)
		default:
			awake = true
		}

		if s.opts.Bus != nil {
			s.opts.Bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Time: done, Data: res.rep})
		}
	}

	delay := s.nextDelay(awake)
	s.publish(delay)
	return delay
}

func (s *Scheduler) runOne(ctx context.Context, name string) (out outcome) {
	out.name = name
	runID := uuid.NewString()
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("session %s panicked: %v", name, r)
			out.rep = session.Report{Session: name, Err: out.err}
			s.opts.Log.Error("session run panicked", logx.Session(name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		out.rep.RunID = runID
	}()

	rep, err := s.runner.Run(ctx, name)
	if rep.Session == "" {
		rep.Session = name
	}
	if err != nil && rep.Err == nil {
		rep.Err = err
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.opts.Log.Warn("session run aborted", logx.Session(name), logx.String("run_id", runID), logx.Err(err))
	}
	return outcome{name: name, rep: rep, err: err}
}

func (s *Scheduler) nextDelay(awake bool) time.Duration {
	if len(s.names) == 0 {
		return s.opts.Idle
	}
	if awake {
		return s.opts.Pause
	}
	now := s.opts.Now()
	var earliest time.Time
	for _, n := range s.names {
		at, ok := s.wake[n]
		if !ok {
			// Never slept and did not run: due now.
			return s.opts.Pause
		}
		if earliest.IsZero() || at.Before(earliest) {
			earliest = at
		}
	}
	return max(earliest.Sub(now), s.opts.MinSleep)
}

func (s *Scheduler) publish(delay time.Duration) {
	snap := &Snapshot{At: s.opts.Now(), Tick: s.ticks, NextDelay: delay}
	for _, n := range s.names {
		info := s.last[n]
		snap.Sessions = append(snap.Sessions, SessionState{
			Name:      n,
			WakeAt:    s.wake[n],
			LastRun:   info.at,
			LastSleep: info.sleep,
			LastError: info.err,
			Runs:      info.runs,
		})
	}
	s.snap.Store(snap)
	if s.opts.Bus != nil {
		s.opts.Bus.Publish(eventbus.Event{Type: eventbus.TickFinished, Time: snap.At, Data: *snap})
	}
}
