package session

import (
	"context"
	"fmt"
	"sync"

	"nutsfarm/internal/api"
	"nutsfarm/internal/config"
	"nutsfarm/internal/credential"
	"nutsfarm/internal/farming"
	"nutsfarm/internal/pace"
	"nutsfarm/internal/proxy"
	"nutsfarm/internal/subscribe"
	"nutsfarm/internal/tasks"
	logx "nutsfarm/pkg/logx"
)

// Deps are the shared collaborators every worker is built from.
type Deps struct {
	Settings   config.Resolved
	LogProxies bool
	Subscribe  bool

	Credential credential.Provider
	Binder     *proxy.Binder
	Ledger     tasks.Ledger
	Subscriber subscribe.Performer

	Rand  *pace.Rand
	Sleep pace.SleepFunc
	Log   logx.Logger
}

// Manager builds one Worker per session on first use and keeps it, so a
// session keeps its proxy, user agent and API token.
type Manager struct {
	deps Deps

	mu      sync.Mutex
	workers map[string]*Worker
}

func NewManager(deps Deps) *Manager {
	if deps.Rand == nil {
		deps.Rand = pace.Seeded()
	}
	if deps.Sleep == nil {
		deps.Sleep = pace.Sleep
	}
	return &Manager{deps: deps, workers: map[string]*Worker{}}
}

// Run runs the named session's worker once.
func (m *Manager) Run(ctx context.Context, name string) (Report, error) {
	w, err := m.worker(ctx, name)
	if err != nil {
		rep := Report{Session: name, Err: err}
		return rep, err
	}
	return w.Run(ctx)
}

// Forget drops the cached worker; the next run rebuilds it.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	delete(m.workers, name)
	m.mu.Unlock()
}

func (m *Manager) worker(ctx context.Context, name string) (*Worker, error) {
	m.mu.Lock()
	w, ok := m.workers[name]
	m.mu.Unlock()
	if ok {
		return w, nil
	}

	w, err := m.build(ctx, name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.workers[name] = w
	m.mu.Unlock()
	return w, nil
}

func (m *Manager) build(ctx context.Context, name string) (*Worker, error) {
	s := m.deps.Settings
	log := m.deps.Log.With(logx.Session(name))

	opts := api.Options{
		BaseURL: s.BaseURL,
		Policy: api.Policy{
			MaxAttempts: s.MaxAttempts,
			Backoff:     s.Backoff,
			Timeout:     s.Timeout,
		},
		UserAgent:  api.UserAgentFor(name, s.UserAgents),
		Language:   s.Language,
		RatePerSec: s.RatePerSec,
		Log:        log,
		Rand:       m.deps.Rand,
		Sleep:      m.deps.Sleep,
	}
	var proxyURL string
	if m.deps.Binder != nil {
		u, err := m.deps.Binder.Resolve(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("session %s: proxy: %w", name, err)
		}
		if u != nil {
			opts.Proxy = u
			proxyURL = u.String()
			if m.deps.LogProxies {
				log.Info("using proxy", logx.String("proxy", proxy.Redact(proxyURL)))
			}
		}
	}
	client, err := api.New(opts)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", name, err)
	}

	machine := tasks.New(client, tasks.Options{
		Session:      name,
		PollInterval: s.PollInterval,
		PollAttempts: s.PollAttempts,
		Subscriber:   m.deps.Subscriber,
		Ledger:       m.deps.Ledger,
		Rand:         m.deps.Rand,
		Sleep:        m.deps.Sleep,
		Log:          log,
	})
	farm := farming.NewController(client, farming.Options{
		SafetyMargin: s.SafetyMargin,
		Step:         s.Step,
		Rand:         m.deps.Rand,
		Sleep:        m.deps.Sleep,
		Log:          log,
	})

	return NewWorker(client, Options{
		Name:                 name,
		ProxyURL:             proxyURL,
		Timezone:             s.Timezone,
		ReferralCode:         s.ReferralCode,
		SubscriptionsEnabled: m.deps.Subscribe,
		Action:               s.Action,
		TaskPause:            s.TaskPause,
		Step:                 s.Step,
		Credential:           m.deps.Credential,
		Tasks:                machine,
		Farming:              farm,
		Rand:                 m.deps.Rand,
		Sleep:                m.deps.Sleep,
		Log:                  m.deps.Log,
	}), nil
}
