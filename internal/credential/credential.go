// Package credential supplies the opaque web-app payload a session logs in with.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidSession means the session itself is unusable; retrying will not help.
var ErrInvalidSession = errors.New("credential: invalid session")

// SessionExt is the suffix of session files in the sessions directory.
const SessionExt = ".session"

// Provider returns the login payload for a session. proxy is the session's
// bound proxy URL, or empty.
type Provider interface {
	Payload(ctx context.Context, session, proxy string) (string, error)
}

// FileProvider reads <Dir>/<session>.session.
type FileProvider struct {
	Dir string
}

func (p FileProvider) Payload(ctx context.Context, session, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(p.Dir, session+SessionExt)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s: no session file", ErrInvalidSession, session)
		}
		return "", fmt.Errorf("credential: read %s: %w", path, err)
	}
	payload := strings.TrimSpace(strings.TrimPrefix(string(b), "\ufeff"))
	if payload == "" {
		return "", fmt.Errorf("%w: %s: empty session file", ErrInvalidSession, session)
	}
	return payload, nil
}

// Discover lists session names: every configured name plus every *.session
// file in dir. The result is sorted and free of duplicates. A missing dir is
// not an error.
func Discover(dir string, names []string) ([]string, error) {
	seen := map[string]struct{}{}
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			seen[n] = struct{}{}
		}
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("credential: list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), SessionExt) {
				continue
			}
			if n := strings.TrimSuffix(e.Name(), SessionExt); n != "" {
				seen[n] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

const refPrefix = "ref_"

// ReferralCode extracts <code> from a start_param=ref_<code> entry of the
// payload, falling back to fallback.
func ReferralCode(payload, fallback string) string {
	q, err := url.ParseQuery(payload)
	if err == nil {
		if sp := q.Get("start_param"); strings.HasPrefix(sp, refPrefix) && len(sp) > len(refPrefix) {
			return strings.TrimPrefix(sp, refPrefix)
		}
	}
	return fallback
}
