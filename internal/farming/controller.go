package farming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nutsfarm/internal/api"
	"nutsfarm/internal/pace"
	logx "nutsfarm/pkg/logx"
)

// ErrUnknownState is returned when the state after a start cannot be read.
var ErrUnknownState = errors.New("farming: finish time unknown")

// API is the slice of the remote client the controller needs.
type API interface {
	FarmingStatus(ctx context.Context) (api.FarmingState, error)
	StartFarming(ctx context.Context) error
	ClaimFarming(ctx context.Context) (float64, error)
}

type Options struct {
	SafetyMargin time.Duration
	// Step is the pause between claim and start.
	Step  pace.Range
	Rand  *pace.Rand
	Sleep pace.SleepFunc
	Now   func() time.Time
	Log   logx.Logger
}

// Controller runs one farming cycle per call.
type Controller struct {
	api  API
	opts Options
}

func NewController(a API, opts Options) *Controller {
	if opts.Rand == nil {
		opts.Rand = pace.Seeded()
	}
	if opts.Sleep == nil {
		opts.Sleep = pace.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{api: a, opts: opts}
}

// Result describes one cycle. Sleep is zero when no sleep is requested.
type Result struct {
	Status   string
	Action   Action
	Claimed  bool
	Reward   float64
	Started  bool
	Sleep    time.Duration
	FinishAt time.Time
}

// Run observes the farming state and advances it. Any failure returns an
// error and a Result with no sleep, so the session stays eligible.
func (c *Controller) Run(ctx context.Context) (Result, error) {
	st, err := c.api.FarmingStatus(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("farming status: %w", err)
	}
	d := Next(st, c.opts.Now(), c.opts.SafetyMargin)
	res := Result{Status: st.Status, Action: d.Action}

	switch d.Action {
	case ActionNone:
		c.opts.Log.Warn("farming state not understood", logx.String("status", st.Status), logx.String("finish_at", st.FinishAt))
		return res, nil
	case ActionSleep:
		res.Sleep = d.Sleep
		res.FinishAt = d.FinishAt
		c.opts.Log.Debug("farming in progress", logx.Time("finish_at", d.FinishAt), logx.Duration("sleep", d.Sleep))
		return res, nil
	case ActionClaim:
		reward, err := c.api.ClaimFarming(ctx)
		if err != nil {
			return res, fmt.Errorf("farming claim: %w", err)
		}
		res.Claimed = true
		res.Reward = reward
		c.opts.Log.Info("farming reward claimed", logx.Float64("reward", reward))
		if err := c.opts.Sleep(ctx, c.opts.Rand.Duration(c.opts.Step)); err != nil {
			return res, err
		}
	}

	if err := c.api.StartFarming(ctx); err != nil {
		return res, fmt.Errorf("farming start: %w", err)
	}
	res.Started = true

	after, err := c.api.FarmingStatus(ctx)
	if err != nil {
		return res, fmt.Errorf("farming status after start: %w", err)
	}
	res.Status = after.Status
	next := Next(after, c.opts.Now(), c.opts.SafetyMargin)
	if next.Action != ActionSleep {
		return res, fmt.Errorf("%w: status %q finish %q", ErrUnknownState, after.Status, after.FinishAt)
	}
	res.Sleep = next.Sleep
	res.FinishAt = next.FinishAt
	c.opts.Log.Info("farming started", logx.Time("finish_at", next.FinishAt), logx.Duration("sleep", next.Sleep))
	return res, nil
}
