// Package subscribe performs the Telegram side action a subscription task
// needs before it can be verified: join the channel, then mute and archive it.
package subscribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nutsfarm/internal/pace"
	logx "nutsfarm/pkg/logx"
)

// ErrDisabled is returned by the Disabled performer.
var ErrDisabled = errors.New("subscribe: channel subscriptions are disabled")

// FloodWaitError asks the caller to wait before trying again.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("subscribe: flood wait %s", e.Wait)
}

// Request identifies the channel to join and the session joining it.
type Request struct {
	Session   string
	ChannelID int64
	Link      string
}

// Performer joins a channel on behalf of a session.
type Performer interface {
	Subscribe(ctx context.Context, req Request) error
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, req Request) error

func (f PerformerFunc) Subscribe(ctx context.Context, req Request) error { return f(ctx, req) }

// Disabled refuses every request.
type Disabled struct{}

func (Disabled) Subscribe(context.Context, Request) error { return ErrDisabled }

// FloodPolicy bounds WithFloodRetry.
type FloodPolicy struct {
	// MaxWaits is how many flood waits are honoured before giving up.
	MaxWaits int
	// MaxWait caps a single wait; longer waits fail immediately.
	MaxWait time.Duration
	Sleep   pace.SleepFunc
	Log     logx.Logger
}

type floodRetry struct {
	next   Performer
	policy FloodPolicy
}

// WithFloodRetry wraps p so that FloodWaitError is slept through, up to the
// policy's bounds. Other errors pass through untouched.
func WithFloodRetry(p Performer, policy FloodPolicy) Performer {
	if policy.Sleep == nil {
		policy.Sleep = pace.Sleep
	}
	return &floodRetry{next: p, policy: policy}
}

func (f *floodRetry) Subscribe(ctx context.Context, req Request) error {
	for waits := 0; ; waits++ {
		err := f.next.Subscribe(ctx, req)
		var fw *FloodWaitError
		if !errors.As(err, &fw) {
			return err
		}
		if waits >= f.policy.MaxWaits {
			return fmt.Errorf("subscribe: gave up after %d flood waits: %w", waits, err)
		}
		if f.policy.MaxWait > 0 && fw.Wait > f.policy.MaxWait {
			return fmt.Errorf("subscribe: flood wait %s exceeds limit %s: %w", fw.Wait, f.policy.MaxWait, err)
		}
		f.policy.Log.Warn("flood wait; sleeping",
			logx.Session(req.Session),
			logx.Int64("channel_id", req.ChannelID),
			logx.Duration("wait", fw.Wait),
		)
		if err := f.policy.Sleep(ctx, fw.Wait); err != nil {
			return err
		}
	}
}
