package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Store is the persistence API used by the proxy binder, the task ledger and
// the run reporter. Implementations are safe for concurrent use.
type Store interface {
	GetProxy(ctx context.Context, session string) (proxy string, ok bool, err error)
	SetProxy(ctx context.Context, session, proxy string) error
	RemoveProxy(ctx context.Context, session string) error
	Proxies(ctx context.Context) (map[string]string, error)

	MarkClaimed(ctx context.Context, session, taskID string, at time.Time) error
	IsClaimed(ctx context.Context, session, taskID string) (bool, error)

	AppendRun(ctx context.Context, e RunEntry) error
	RecentRuns(ctx context.Context, limit int) ([]RunEntry, error)

	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty / "none"): nothing survives a restart
//   - "file": JSON files under Path (used as a prefix)
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis at RedisAddr, keys under RedisPrefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// RunEntry records one session run. Keep it compact and schema-stable.
type RunEntry struct {
	At             time.Time `json:"at"`
	RunID          string    `json:"run_id"`
	Session        string    `json:"session"`
	TasksCompleted int       `json:"tasks_completed"`
	TaskRewards    float64   `json:"task_rewards"`
	InitialBalance float64   `json:"initial_balance"`
	FinalBalance   float64   `json:"final_balance"`
	SleepSeconds   int64     `json:"sleep_seconds,omitempty"`
	Error          string    `json:"error,omitempty"`
	TookMS         int64     `json:"took_ms"`
}
