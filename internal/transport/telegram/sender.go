// Package telegram delivers text to a Telegram chat through the Bot API.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	logx "nutsfarm/pkg/logx"
)

// MaxMessageLen is Telegram's per-message text limit.
const MaxMessageLen = 4096

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (tests, local Bot API servers).
	URL string
	// Offline skips the getMe handshake at construction.
	Offline bool
	Timeout time.Duration
}

// Sender sends plain text messages. It never polls for updates.
type Sender struct {
	bot *tele.Bot
	log logx.Logger

	mu      sync.Mutex
	stopped bool
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     cfg.URL,
		Offline: cfg.Offline,
		Client:  newHTTPClient(timeout),
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b, log: log}, nil
}

// SendText sends text, split into several messages when it exceeds the
// Telegram limit. threadID targets a forum topic when non-zero.
func (s *Sender) SendText(ctx context.Context, chatID int64, threadID int, text string) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return errors.New("telegram sender stopped")
	}

	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}
	for _, part := range Split(text, MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.bot.Send(chat, part, opts); err != nil {
			return err
		}
	}
	return nil
}

// Stop makes further sends fail fast.
func (s *Sender) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.log.Debug("telegram sender stopped")
}

// Split cuts text into chunks of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		if part := strings.TrimSpace(text[:cut]); part != "" {
			out = append(out, part)
		}
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text = strings.TrimSpace(text); text != "" {
		out = append(out, text)
	}
	return out
}
