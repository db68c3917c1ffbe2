package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	logx "nutsfarm/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetProxy(ctx context.Context, session string) (string, bool, error) {
	var proxy string
	err := s.db.QueryRowContext(ctx, `SELECT proxy FROM proxy_bindings WHERE session = ?`, session).Scan(&proxy)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return proxy, true, nil
}

func (s *sqliteStore) SetProxy(ctx context.Context, session, proxy string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proxy_bindings(session, proxy, updated_at) VALUES(?,?,?)
		 ON CONFLICT(session) DO UPDATE SET proxy=excluded.proxy, updated_at=excluded.updated_at`,
		session, strings.TrimSpace(proxy), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RemoveProxy(ctx context.Context, session string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxy_bindings WHERE session = ?`, session)
	return err
}

func (s *sqliteStore) Proxies(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session, proxy FROM proxy_bindings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkClaimed(ctx context.Context, session, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claimed_tasks(session, task_id, claimed_at) VALUES(?,?,?)
		 ON CONFLICT(session, task_id) DO NOTHING`,
		session, taskID, at.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) IsClaimed(ctx context.Context, session, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM claimed_tasks WHERE session = ? AND task_id = ?`, session, taskID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, e RunEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, run_id, session, tasks_completed, task_rewards, initial_balance, final_balance, sleep_seconds, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.RunID, e.Session, e.TasksCompleted, e.TaskRewards,
		e.InitialBalance, e.FinalBalance, e.SleepSeconds, nullStr(e.Error), e.TookMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if perr := s.pruneRuns(pctx); perr != nil {
			s.log.Debug("runs prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = maxRecentRuns
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, run_id, session, tasks_completed, task_rewards, initial_balance, final_balance, sleep_seconds, err, took_ms
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunEntry
	for rows.Next() {
		var (
			e   RunEntry
			at  string
			msg sql.NullString
		)
		if err := rows.Scan(&at, &e.RunID, &e.Session, &e.TasksCompleted, &e.TaskRewards,
			&e.InitialBalance, &e.FinalBalance, &e.SleepSeconds, &msg, &e.TookMS); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.Error = msg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// pruneRuns keeps the newest maxRecentRuns rows.
func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id <= (SELECT id FROM runs ORDER BY id DESC LIMIT 1 OFFSET ?)`, maxRecentRuns)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
