package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	logx "nutsfarm/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	assert.Nil(t, Split("  ", 10))
	assert.Equal(t, []string{"short"}, Split("short", 10))
	assert.Equal(t, []string{"aaaa", "bbbb\ncc"}, Split("aaaa\nbbbb\ncc", 9))
	assert.Equal(t, []string{"abcde", "fghij"}, Split("abcdefghij", 5))

	parts := Split(strings.Repeat("é", 10), 5)
	for _, p := range parts {
		assert.True(t, utf8.ValidString(p), p)
		assert.LessOrEqual(t, len(p), 5)
	}
	assert.Equal(t, strings.Repeat("é", 10), strings.Join(parts, ""))
}

func TestSendTextPostsToBotAPI(t *testing.T) {
	var mu sync.Mutex
	var sent []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/sendMessage"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		assert.NoError(t, json.Unmarshal(body, &m))
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"x"}}`)
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", URL: srv.URL, Offline: true}, logx.Nop())
	require.NoError(t, err)

	text := strings.Repeat("line\n", 1000)
	require.NoError(t, s.SendText(context.Background(), 42, 7, text))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 2)
	assert.Equal(t, "42", sent[0]["chat_id"])
	assert.EqualValues(t, "7", sent[0]["message_thread_id"])

	s.Stop()
	assert.Error(t, s.SendText(context.Background(), 42, 0, "after stop"))
}

func TestNewRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{Token: " "}, logx.Nop())
	assert.Error(t, err)
}
