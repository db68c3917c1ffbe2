// Package session runs the per-account sequence: authenticate, collect
// rewards, work through tasks and keep farming going.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nutsfarm/internal/api"
	"nutsfarm/internal/credential"
	"nutsfarm/internal/farming"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/tasks"
	logx "nutsfarm/pkg/logx"
)

// ErrAuth wraps login/registration failures; the run is aborted.
var ErrAuth = errors.New("session: authentication failed")

// API is everything a worker calls on the remote service. *api.Client implements it.
type API interface {
	tasks.API
	farming.API

	Authenticate(ctx context.Context, authData, referralCode string) (bool, error)
	UserInfo(ctx context.Context) (api.User, error)
	ClaimStartBonus(ctx context.Context) error
	StreakInfo(ctx context.Context, timezone string) (api.Streak, error)
	ClaimStreak(ctx context.Context, timezone string, payForFreeze bool) error
	ActiveStories(ctx context.Context) ([]api.ID, error)
	CurrentStories(ctx context.Context) ([]api.ID, error)
	ReadStory(ctx context.Context, id api.ID) (float64, error)
	ActiveTasks(ctx context.Context) ([]api.Task, error)
}

// Options configure a Worker.
type Options struct {
	Name     string
	ProxyURL string
	Timezone string
	// ReferralCode is used at registration when the payload carries none.
	ReferralCode         string
	SubscriptionsEnabled bool

	Action    pace.Range
	TaskPause pace.Range
	Step      pace.Range

	Credential credential.Provider
	Tasks      *tasks.Machine
	Farming    *farming.Controller

	Rand  *pace.Rand
	Sleep pace.SleepFunc
	Now   func() time.Time
	Log   logx.Logger
}

// Worker runs one session. A Worker must not run concurrently with itself;
// the scheduler guarantees that.
type Worker struct {
	api  API
	opts Options
	log  logx.Logger
}

func NewWorker(a API, opts Options) *Worker {
	if opts.Rand == nil {
		opts.Rand = pace.Seeded()
	}
	if opts.Sleep == nil {
		opts.Sleep = pace.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{api: a, opts: opts, log: opts.Log.With(logx.Session(opts.Name))}
}

func (w *Worker) Name() string { return w.opts.Name }

// Run executes the full sequence once. Only credential and authentication
// failures abort the run (returned as an error, also set on Report.Err);
// every later step failure is logged and skipped.
func (w *Worker) Run(ctx context.Context) (Report, error) {
	rep := Report{Session: w.opts.Name, Started: w.opts.Now()}
	defer func() { rep.Took = w.opts.Now().Sub(rep.Started) }()

	payload, err := w.opts.Credential.Payload(ctx, w.opts.Name, w.opts.ProxyURL)
	if err != nil {
		rep.Err = fmt.Errorf("credential: %w", err)
		return rep, rep.Err
	}

	registered, err := w.api.Authenticate(ctx, payload, credential.ReferralCode(payload, w.opts.ReferralCode))
	if err != nil {
		rep.Err = fmt.Errorf("%w: %w", ErrAuth, err)
		return rep, rep.Err
	}
	rep.Registered = registered
	if registered {
		w.log.Info("account registered")
	}

	user, userOK := w.fetchUser(ctx)
	if userOK {
		rep.BalanceKnown = true
		rep.InitialBalance = user.Balance
		rep.FinalBalance = user.Balance
		w.log.Info("logged in", logx.String("user", user.DisplayName()), logx.Float64("balance", user.Balance))
	}

	if userOK && !user.StartBonusClaimed {
		if err := w.api.ClaimStartBonus(ctx); err != nil {
			w.log.Warn("start bonus failed", logx.Err(err))
		} else {
			w.log.Info("start bonus claimed")
		}
		if !w.pause(ctx, w.opts.Step) {
			return rep, nil
		}
	}

	// Freeze affordability is judged on the balance read at login, before
	// this run's bonus and story rewards.
	w.claimStreak(ctx, rep.InitialBalance)
	if !w.pause(ctx, w.opts.Step) {
		return rep, nil
	}

	rep.StoryRewards = w.readStories(ctx)
	if ctx.Err() != nil {
		return rep, nil
	}

	rep.TasksCompleted, rep.TaskRewards = w.runTasks(ctx)
	if ctx.Err() != nil {
		return rep, nil
	}

	if w.opts.Farming != nil {
		res, err := w.opts.Farming.Run(ctx)
		if err != nil {
			w.log.Warn("farming step failed", logx.Err(err))
		}
		rep.FarmingReward = res.Reward
		rep.Sleep = res.Sleep
	}

	if final, ok := w.fetchUser(ctx); ok {
		rep.FinalBalance = final.Balance
	}
	return rep, nil
}

func (w *Worker) fetchUser(ctx context.Context) (api.User, bool) {
	u, err := w.api.UserInfo(ctx)
	if err != nil {
		w.log.Warn("user info failed", logx.Err(err))
		return api.User{}, false
	}
	return u, true
}

// FreezeAffordable decides the payForFreeze flag.
func FreezeAffordable(s api.Streak, balance float64) bool {
	return s.DaysMissed > 0 && s.FreezeCost > 0 && balance >= s.FreezeCost
}

func (w *Worker) claimStreak(ctx context.Context, balance float64) {
	info, err := w.api.StreakInfo(ctx, w.opts.Timezone)
	if err != nil {
		w.log.Warn("streak info failed", logx.Err(err))
		return
	}
	if info.RewardReceivedToday {
		return
	}
	pay := FreezeAffordable(info, balance)
	if info.DaysMissed > 0 && !pay {
		w.log.Info("streak freeze not affordable",
			logx.Int("days_missed", info.DaysMissed),
			logx.Float64("cost", info.FreezeCost),
			logx.Float64("balance", balance),
		)
	}
	if err := w.api.ClaimStreak(ctx, w.opts.Timezone, pay); err != nil {
		w.log.Warn("streak claim failed", logx.Err(err))
		return
	}
	w.log.Info("streak claimed",
		logx.Int("day", info.Today.DayNumber),
		logx.Float64("reward", info.Today.NutsReward),
		logx.Bool("freeze", pay),
	)
}

func (w *Worker) readStories(ctx context.Context) float64 {
	active, err := w.api.ActiveStories(ctx)
	if err != nil {
		w.log.Warn("story list failed", logx.Err(err))
		return 0
	}
	read, err := w.api.CurrentStories(ctx)
	if err != nil {
		w.log.Warn("read story list failed", logx.Err(err))
		return 0
	}
	done := make(map[api.ID]struct{}, len(read))
	for _, id := range read {
		done[id] = struct{}{}
	}

	var total float64
	for _, id := range active {
		if _, ok := done[id]; ok {
			continue
		}
		reward, err := w.api.ReadStory(ctx, id)
		if err != nil {
			w.log.Warn("story read failed", logx.String("story_id", string(id)), logx.Err(err))
		} else {
			total += reward
			w.log.Debug("story read", logx.String("story_id", string(id)), logx.Float64("reward", reward))
		}
		if !w.pause(ctx, w.opts.Action) {
			break
		}
	}
	return total
}

func (w *Worker) runTasks(ctx context.Context) (completed int, rewards float64) {
	if w.opts.Tasks == nil {
		return 0, 0
	}
	list, err := w.api.ActiveTasks(ctx)
	if err != nil {
		w.log.Warn("task list failed", logx.Err(err))
		return 0, 0
	}
	current, err := w.api.CurrentTasks(ctx)
	if err != nil {
		w.log.Warn("current task list failed", logx.Err(err))
		return 0, 0
	}
	claimed := make(map[api.ID]struct{}, len(current))
	for _, ut := range current {
		if ut.Status == api.TaskClaimed {
			claimed[ut.TaskID] = struct{}{}
		}
	}

	for _, t := range list {
		if ctx.Err() != nil {
			return completed, rewards
		}
		if _, ok := claimed[t.ID]; ok {
			continue
		}
		switch t.Type.Kind {
		case api.TaskUnsupported:
			w.log.Debug("skipping unsupported task", logx.String("task", t.Title), logx.String("type", t.Type.Raw))
			continue
		case api.TaskSubscription:
			if !w.opts.SubscriptionsEnabled {
				continue
			}
		case api.TaskExternalLink:
		}

		res, err := w.opts.Tasks.Run(ctx, t)
		if err != nil {
			w.log.Warn("task failed", logx.String("task", t.Title), logx.String("type", t.Type.Kind.String()), logx.Err(err))
			continue
		}
		if res.Already {
			continue
		}
		completed++
		rewards += res.Reward
		if !w.pause(ctx, w.opts.TaskPause) {
			return completed, rewards
		}
	}
	return completed, rewards
}

func (w *Worker) pause(ctx context.Context, r pace.Range) bool {
	return w.opts.Sleep(ctx, w.opts.Rand.Duration(r)) == nil
}
