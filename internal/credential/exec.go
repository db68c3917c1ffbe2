package credential

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ExitInvalidSession is the helper exit code that marks a session unusable.
const ExitInvalidSession = 3

// ExecProvider runs an external helper that prints the payload on stdout.
//
// The helper gets the session name as its last argument and the session
// name and proxy in NUTSFARM_SESSION and NUTSFARM_PROXY.
type ExecProvider struct {
	Command []string
	Timeout time.Duration
	Dir     string
}

func (p ExecProvider) Payload(ctx context.Context, session, proxy string) (string, error) {
	if len(p.Command) == 0 {
		return "", errors.New("credential: exec command is empty")
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.Command[1:]...), session)
	cmd := exec.CommandContext(ctx, p.Command[0], args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), "NUTSFARM_SESSION="+session, "NUTSFARM_PROXY="+proxy)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() == ExitInvalidSession {
			return "", fmt.Errorf("%w: %s: %s", ErrInvalidSession, session, firstLine(stderr.String()))
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("credential: helper for %s: %w", session, ctx.Err())
		}
		return "", fmt.Errorf("credential: helper for %s: %w: %s", session, err, firstLine(stderr.String()))
	}

	payload := strings.TrimSpace(stdout.String())
	if payload == "" {
		return "", fmt.Errorf("%w: %s: helper printed nothing", ErrInvalidSession, session)
	}
	return payload, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// New builds the provider named by driver ("file" or "exec").
func New(driver, dir string, command []string, timeout time.Duration) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "file":
		return FileProvider{Dir: dir}, nil
	case "exec":
		return ExecProvider{Command: command, Timeout: timeout, Dir: dir}, nil
	default:
		return nil, fmt.Errorf("credential: unknown driver %q", driver)
	}
}
