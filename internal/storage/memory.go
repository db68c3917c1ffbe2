package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

const maxRecentRuns = 1000

// memoryStore keeps everything in process memory. The file store embeds it as
// its read model.
type memoryStore struct {
	mu      sync.RWMutex
	proxies map[string]string
	claimed map[string]int64 // claimKey -> unix milli
	runs    []RunEntry
	closed  bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store { return newMemoryStore() }

func newMemoryStore() *memoryStore {
	return &memoryStore{proxies: map[string]string{}, claimed: map[string]int64{}}
}

func (s *memoryStore) GetProxy(_ context.Context, session string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrClosed
	}
	p, ok := s.proxies[session]
	return p, ok, nil
}

func (s *memoryStore) SetProxy(_ context.Context, session, proxy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.proxies[session] = strings.TrimSpace(proxy)
	return nil
}

func (s *memoryStore) RemoveProxy(_ context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.proxies, session)
	return nil
}

func (s *memoryStore) Proxies(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]string, len(s.proxies))
	for k, v := range s.proxies {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) MarkClaimed(_ context.Context, session, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.claimed[claimKey(session, taskID)] = at.UnixMilli()
	return nil
}

func (s *memoryStore) IsClaimed(_ context.Context, session, taskID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.claimed[claimKey(session, taskID)]
	return ok, nil
}

func (s *memoryStore) AppendRun(_ context.Context, e RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.appendRunLocked(e)
	return nil
}

func (s *memoryStore) appendRunLocked(e RunEntry) {
	s.runs = append(s.runs, e)
	if len(s.runs) > maxRecentRuns {
		s.runs = append([]RunEntry(nil), s.runs[len(s.runs)-maxRecentRuns:]...)
	}
}

// RecentRuns returns up to limit entries, newest first.
func (s *memoryStore) RecentRuns(_ context.Context, limit int) ([]RunEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 || limit > len(s.runs) {
		limit = len(s.runs)
	}
	out := make([]RunEntry, 0, limit)
	for i := len(s.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
