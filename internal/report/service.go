// Package report turns run results into an audit trail, summary logs and
// optional Telegram messages, plus a periodic schedule digest.
package report

import (
	"context"
	"errors"
	"sync"
	"time"

	"nutsfarm/internal/eventbus"
	rtsup "nutsfarm/internal/runtime/supervisor"
	"nutsfarm/internal/scheduler"
	"nutsfarm/internal/session"
	"nutsfarm/internal/storage"
	logx "nutsfarm/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("report queue full")
	ErrStopped   = errors.New("report service stopped")
)

// Sender delivers text to a chat. *telegram.Sender implements it.
type Sender interface {
	SendText(ctx context.Context, chatID int64, threadID int, text string) error
}

type Config struct {
	// Enabled turns on chat delivery. Audit rows and summary logs are always written.
	Enabled   bool
	OnlyGains bool
	// Digest is a cron spec (seconds optional). Empty disables the digest.
	Digest   string
	Timezone string

	ChatID   int64
	ThreadID int

	RatePerSec int
	QueueSize  int
	RetryMax   int
	RetryBase  time.Duration
}

// Service consumes run and tick events from the bus.
type Service struct {
	cfg    Config
	bus    eventbus.Bus
	store  storage.Store
	sender Sender
	log    logx.Logger
	now    func() time.Time

	limiter *rate.Limiter
	loc     *time.Location

	mu        sync.Mutex
	queue     chan string
	accepting bool
	sup       *rtsup.Supervisor
	cron      *cron.Cron
	unsub     func()
	consumed  chan struct{}
	snap      scheduler.Snapshot
}

func New(cfg Config, bus eventbus.Bus, store storage.Store, sender Sender, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	return &Service{
		cfg:     cfg,
		bus:     bus,
		store:   store,
		sender:  sender,
		log:     log.With(logx.String("comp", "report")),
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		loc:     loc,
	}, nil
}

func (s *Service) delivering() bool {
	return s.cfg.Enabled && s.sender != nil && s.cfg.ChatID != 0
}

// Start subscribes to the bus and starts the delivery worker and digest.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}

	var c *cron.Cron
	if s.cfg.Digest != "" && s.delivering() {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
		if _, err := c.AddFunc(s.cfg.Digest, func() { s.digest(ctx) }); err != nil {
			return err
		}
	}

	events, unsub := s.bus.Subscribe(256)
	s.unsub = unsub
	s.queue = make(chan string, s.cfg.QueueSize)
	s.accepting = true
	s.consumed = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))

	q, consumed := s.queue, s.consumed
	s.sup.Go0("events", func(c context.Context) {
		defer close(consumed)
		s.consume(c, events)
	})
	if s.delivering() {
		s.sup.Go0("deliver", func(c context.Context) { s.deliverLoop(c, q) })
	}
	if c != nil {
		s.cron = c
		c.Start()
	}
	s.log.Info("report service started", logx.Bool("delivery", s.delivering()), logx.String("digest", s.cfg.Digest))
	return nil
}

// Stop unsubscribes, handles the events already buffered, then drains
// queued messages until ctx ends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return nil
	}
	s.sup = nil
	unsub, c, consumed := s.unsub, s.cron, s.consumed
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if c != nil {
		<-c.Stop().Done()
	}
	select {
	case <-consumed:
	case <-ctx.Done():
		sup.Cancel()
		return ctx.Err()
	}

	s.mu.Lock()
	s.accepting = false
	close(s.queue)
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- sup.Wait(context.Background()) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		sup.Cancel()
		return ctx.Err()
	}
}

// Snapshot returns the latest schedule seen on the bus.
func (s *Service) Snapshot() scheduler.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Service) consume(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch data := ev.Data.(type) {
			case session.Report:
				s.handleRun(ctx, data)
			case scheduler.Snapshot:
				s.mu.Lock()
				s.snap = data
				s.mu.Unlock()
			}
		}
	}
}

func (s *Service) handleRun(ctx context.Context, rep session.Report) {
	if s.store != nil {
		if err := s.store.AppendRun(ctx, Entry(rep)); err != nil {
			s.log.Warn("audit write failed", logx.Session(rep.Session), logx.Err(err))
		}
	}

	if rep.Err != nil {
		return
	}
	s.log.Info("run summary",
		logx.Session(rep.Session),
		logx.String("run_id", rep.RunID),
		logx.Int("tasks", rep.TasksCompleted),
		logx.Float64("task_rewards", rep.TaskRewards),
		logx.Float64("initial", rep.InitialBalance),
		logx.Float64("final", rep.FinalBalance),
		logx.Float64("gain", rep.Gain()),
		logx.Duration("sleep", rep.Sleep),
	)

	if !s.delivering() || (s.cfg.OnlyGains && rep.Gain() <= 0) {
		return
	}
	if err := s.enqueue(FormatRun(rep)); err != nil {
		s.log.Warn("run summary not queued", logx.Session(rep.Session), logx.Err(err))
	}
}

func (s *Service) digest(ctx context.Context) {
	var runs []storage.RunEntry
	if s.store != nil {
		var err error
		if runs, err = s.store.RecentRuns(ctx, 20); err != nil {
			s.log.Warn("digest: recent runs failed", logx.Err(err))
		}
	}
	if err := s.enqueue(FormatDigest(s.Snapshot(), runs, s.loc, s.now())); err != nil {
		s.log.Warn("digest not queued", logx.Err(err))
	}
}

func (s *Service) enqueue(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return ErrStopped
	}
	select {
	case s.queue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) deliverLoop(ctx context.Context, q <-chan string) {
	for text := range q {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		s.send(ctx, text)
	}
}

func (s *Service) send(ctx context.Context, text string) {
	backoff := s.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		err := s.sender.SendText(ctx, s.cfg.ChatID, s.cfg.ThreadID, text)
		if err == nil {
			return
		}
		if attempt >= s.cfg.RetryMax || ctx.Err() != nil {
			s.log.Warn("report delivery failed", logx.Int("attempts", attempt+1), logx.Err(err))
			return
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		backoff *= 2
	}
}
