package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "nutsfarm/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.proxies.json          (snapshot, rewritten on every change)
//   - <prefix>.claims.snapshot.json  (periodic snapshot)
//   - <prefix>.claims.journal.jsonl  (append-only journal)
//   - <prefix>.runs.jsonl            (append-only JSON Lines)
//
// The claims journal is periodically compacted into the snapshot.
type fileStore struct {
	*memoryStore

	log logx.Logger

	mu sync.Mutex

	proxiesPath       string
	claimSnapshotPath string
	claimJournal      *os.File
	runsFile          *os.File

	claimWrites int
}

type claimRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemoryStore()
	proxiesPath := prefix + ".proxies.json"
	snapPath := prefix + ".claims.snapshot.json"
	journalPath := prefix + ".claims.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	if err := loadJSON(proxiesPath, &mem.proxies); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if mem.proxies == nil {
		mem.proxies = map[string]string{}
	}
	_ = loadJSON(snapPath, &mem.claimed)
	if mem.claimed == nil {
		mem.claimed = map[string]int64{}
	}
	_ = replayClaimJournal(journalPath, mem.claimed)
	_ = replayRuns(runsPath, mem)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		memoryStore:       mem,
		log:               log,
		proxiesPath:       proxiesPath,
		claimSnapshotPath: snapPath,
		claimJournal:      jf,
		runsFile:          rf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.memoryStore.Close()
	var err1, err2 error
	if s.claimJournal != nil {
		err1 = s.claimJournal.Close()
		s.claimJournal = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) SetProxy(ctx context.Context, session, proxy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memoryStore.SetProxy(ctx, session, proxy); err != nil {
		return err
	}
	return s.writeProxiesLocked(ctx)
}

func (s *fileStore) RemoveProxy(ctx context.Context, session string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.memoryStore.RemoveProxy(ctx, session); err != nil {
		return err
	}
	return s.writeProxiesLocked(ctx)
}

func (s *fileStore) writeProxiesLocked(ctx context.Context) error {
	m, err := s.memoryStore.Proxies(ctx)
	if err != nil {
		return err
	}
	return writeJSONAtomic(s.proxiesPath, m)
}

func (s *fileStore) MarkClaimed(ctx context.Context, session, taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimJournal == nil {
		return ErrClosed
	}
	if err := s.memoryStore.MarkClaimed(ctx, session, taskID, at); err != nil {
		return err
	}
	if err := json.NewEncoder(s.claimJournal).Encode(claimRecord{Key: claimKey(session, taskID), At: at.UnixMilli()}); err != nil {
		return err
	}
	s.claimWrites++
	if s.claimWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("claims compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.memoryStore.mu.RLock()
	snap := make(map[string]int64, len(s.memoryStore.claimed))
	for k, v := range s.memoryStore.claimed {
		snap[k] = v
	}
	s.memoryStore.mu.RUnlock()

	if err := writeJSONAtomic(s.claimSnapshotPath, snap); err != nil {
		return err
	}
	if err := s.claimJournal.Truncate(0); err != nil {
		return err
	}
	_, err := s.claimJournal.Seek(0, 2)
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, e RunEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	if err := json.NewEncoder(s.runsFile).Encode(e); err != nil {
		return err
	}
	return s.memoryStore.AppendRun(ctx, e)
}

func loadJSON(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(out)
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayClaimJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r claimRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return sc.Err()
}

func replayRuns(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e RunEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		mem.appendRunLocked(e)
	}
	return sc.Err()
}
