package subscribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// defaultFloodWait is used when a 429 carries no usable Retry-After.
const defaultFloodWait = 30 * time.Second

// Webhook delegates the side action to an external helper over HTTP.
//
// The helper receives {"session","channel_id","link"} as JSON. 2xx is
// success; 429 is a flood wait (Retry-After in seconds); anything else fails.
type Webhook struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

func (w *Webhook) Subscribe(ctx context.Context, req Request) error {
	body, err := json.Marshal(map[string]any{
		"session":    req.Session,
		"channel_id": req.ChannelID,
		"link":       req.Link,
	})
	if err != nil {
		return err
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")

	hc := w.Client
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(hreq)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &FloodWaitError{Wait: retryAfter(resp.Header.Get("Retry-After"))}
	default:
		return fmt.Errorf("subscribe: helper returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

func retryAfter(v string) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return defaultFloodWait
	}
	return time.Duration(n) * time.Second
}
