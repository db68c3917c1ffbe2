// Package tasks advances a single remote task from discovery to a claimed reward.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nutsfarm/internal/api"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/subscribe"
	logx "nutsfarm/pkg/logx"
)

var (
	// ErrVerificationTimeout: the task never reached COMPLETED within the allowed polls.
	ErrVerificationTimeout = errors.New("tasks: verification timed out")
	// ErrVerifyRejected: verify answered something other than VERIFYING.
	ErrVerifyRejected = errors.New("tasks: verification rejected")
	// ErrClaimRejected: the claim returned no positive reward.
	ErrClaimRejected = errors.New("tasks: claim returned no reward")
	ErrUnsupported   = errors.New("tasks: unsupported task type")
)

// VerifyAck is the only verify answer that lets a task proceed.
const VerifyAck = "VERIFYING"

// State is the local view of a task's progress.
type State int

const (
	StateDiscovered State = iota
	StateStarted
	StateAwaitingVerification
	StateAwaitingCompletion
	StateClaimed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateStarted:
		return "started"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateClaimed:
		return "claimed"
	default:
		return "failed"
	}
}

// API is the slice of the remote client the machine needs.
type API interface {
	CurrentTasks(ctx context.Context) ([]api.UserTask, error)
	StartTask(ctx context.Context, t api.Task) (api.ID, error)
	VerifyTask(ctx context.Context, completionID api.ID, t api.Task) (string, error)
	ClaimTask(ctx context.Context, completionID api.ID) (float64, error)
}

// Ledger remembers claimed tasks across restarts. storage.Store satisfies it.
type Ledger interface {
	MarkClaimed(ctx context.Context, session, taskID string, at time.Time) error
	IsClaimed(ctx context.Context, session, taskID string) (bool, error)
}

type Options struct {
	Session      string
	PollInterval pace.Range
	PollAttempts int
	Subscriber   subscribe.Performer
	Ledger       Ledger

	Rand  *pace.Rand
	Sleep pace.SleepFunc
	Now   func() time.Time
	Log   logx.Logger
}

// Result is a successful run. Already reports a task that was claimed
// before this run; Reward is then zero.
type Result struct {
	Reward       float64
	CompletionID api.ID
	Already      bool
	State        State
}

// Machine runs tasks for one session. Each Run issues at most one claim; a
// failed claim is retried by a later Run, while the ledger and the live
// CLAIMED status keep a claimed task from being claimed again.
type Machine struct {
	api  API
	opts Options
}

func New(a API, opts Options) *Machine {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	if opts.Subscriber == nil {
		opts.Subscriber = subscribe.Disabled{}
	}
	if opts.Rand == nil {
		opts.Rand = pace.Seeded()
	}
	if opts.Sleep == nil {
		opts.Sleep = pace.Sleep
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{api: a, opts: opts}
}

// Run drives t to CLAIMED. The live status is re-read first so an already
// claimed task is never started or claimed again.
func (m *Machine) Run(ctx context.Context, t api.Task) (Result, error) {
	log := m.opts.Log.With(logx.String("task_id", string(t.ID)), logx.String("task", t.Title))

	switch t.Type.Kind {
	case api.TaskSubscription, api.TaskExternalLink:
	default:
		return Result{State: StateFailed}, fmt.Errorf("%w: %s", ErrUnsupported, t.Type.Raw)
	}

	if m.opts.Ledger != nil {
		done, err := m.opts.Ledger.IsClaimed(ctx, m.opts.Session, string(t.ID))
		if err != nil {
			log.Warn("claim ledger lookup failed", logx.Err(err))
		} else if done {
			return Result{Already: true, State: StateClaimed}, nil
		}
	}

	current, err := m.api.CurrentTasks(ctx)
	if err != nil {
		return Result{State: StateFailed}, fmt.Errorf("current tasks: %w", err)
	}

	state := StateDiscovered
	var completionID api.ID
	if ut, ok := findByTask(current, t.ID); ok {
		switch ut.Status {
		case api.TaskClaimed:
			m.remember(ctx, t.ID, log)
			return Result{CompletionID: ut.ID, Already: true, State: StateClaimed}, nil
		case api.TaskCompleted:
			return m.claim(ctx, t, ut.ID, log)
		case api.TaskPending:
			completionID = ut.ID
			state = StateStarted
		}
	}

	if completionID == "" {
		completionID, err = m.api.StartTask(ctx, t)
		if err != nil {
			return Result{State: StateFailed}, fmt.Errorf("start: %w", err)
		}
		state = StateStarted
		log.Debug("task started", logx.String("completion_id", string(completionID)))
	}

	if t.Type.Kind == api.TaskSubscription {
		state = StateAwaitingVerification
		if err := m.opts.Subscriber.Subscribe(ctx, subscribe.Request{
			Session:   m.opts.Session,
			ChannelID: t.ChannelID,
			Link:      t.Link,
		}); err != nil {
			return Result{CompletionID: completionID, State: StateFailed}, fmt.Errorf("subscribe: %w", err)
		}
		ack, err := m.api.VerifyTask(ctx, completionID, t)
		if err != nil {
			return Result{CompletionID: completionID, State: StateFailed}, fmt.Errorf("verify: %w", err)
		}
		if ack != VerifyAck {
			return Result{CompletionID: completionID, State: StateFailed}, fmt.Errorf("%w: %q", ErrVerifyRejected, ack)
		}
	}

	state = StateAwaitingCompletion
	status, err := m.poll(ctx, t.ID, completionID, log)
	if err != nil {
		return Result{CompletionID: completionID, State: StateFailed}, err
	}
	if status == api.TaskClaimed {
		m.remember(ctx, t.ID, log)
		return Result{CompletionID: completionID, Already: true, State: StateClaimed}, nil
	}
	log.Debug("task completed", logx.String("from", state.String()))
	return m.claim(ctx, t, completionID, log)
}

// poll waits for COMPLETED (or CLAIMED). Listing failures use up an attempt.
func (m *Machine) poll(ctx context.Context, taskID, completionID api.ID, log logx.Logger) (api.TaskStatus, error) {
	for attempt := 1; attempt <= m.opts.PollAttempts; attempt++ {
		if err := m.opts.Sleep(ctx, m.opts.Rand.Duration(m.opts.PollInterval)); err != nil {
			return "", err
		}
		current, err := m.api.CurrentTasks(ctx)
		if err != nil {
			log.Debug("poll failed", logx.Int("attempt", attempt), logx.Err(err))
			continue
		}
		ut, ok := findByCompletion(current, completionID)
		if !ok {
			ut, ok = findByTask(current, taskID)
		}
		if !ok {
			continue
		}
		switch ut.Status {
		case api.TaskCompleted, api.TaskClaimed:
			return ut.Status, nil
		}
	}
	return "", fmt.Errorf("%w after %d polls", ErrVerificationTimeout, m.opts.PollAttempts)
}

func (m *Machine) claim(ctx context.Context, t api.Task, completionID api.ID, log logx.Logger) (Result, error) {
	reward, err := m.api.ClaimTask(ctx, completionID)
	if err != nil {
		return Result{CompletionID: completionID, State: StateFailed}, fmt.Errorf("claim: %w", err)
	}
	if reward <= 0 {
		return Result{CompletionID: completionID, State: StateFailed}, ErrClaimRejected
	}
	m.remember(ctx, t.ID, log)
	log.Info("task reward claimed", logx.Float64("reward", reward))
	return Result{Reward: reward, CompletionID: completionID, State: StateClaimed}, nil
}

func (m *Machine) remember(ctx context.Context, taskID api.ID, log logx.Logger) {
	if m.opts.Ledger == nil {
		return
	}
	if err := m.opts.Ledger.MarkClaimed(ctx, m.opts.Session, string(taskID), m.opts.Now()); err != nil {
		log.Warn("claim ledger write failed", logx.Err(err))
	}
}

func findByTask(list []api.UserTask, id api.ID) (api.UserTask, bool) {
	for _, ut := range list {
		if ut.TaskID == id {
			return ut, true
		}
	}
	return api.UserTask{}, false
}

func findByCompletion(list []api.UserTask, id api.ID) (api.UserTask, bool) {
	if id == "" {
		return api.UserTask{}, false
	}
	for _, ut := range list {
		if ut.ID == id {
			return ut, true
		}
	}
	return api.UserTask{}, false
}
