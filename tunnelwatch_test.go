package tunnelwatch

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/tunnelwatch/internal/history"
	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/pkg/client"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

type telegramStub struct {
	mu    sync.Mutex
	texts []string
	paths []string
}

func (s *telegramStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	if body.Text != "" {
		s.texts = append(s.texts, body.Text)
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
}

func (s *telegramStub) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *recordingSink) Send(_ context.Context, e history.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// freeAddr returns a loopback address that was free a moment ago.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testConfig(apiURL string) *Config {
	return &Config{
		TelegramToken:   "123456:ABC-def",
		ChatID:          "-1001234567890_633",
		TelegramAPIURL:  apiURL,
		CloudflaredPath: "cloudflared",
		SSHPort:         22,
		URLSuffix:       "trycloudflare.com",
		LogLevel:        "INFO",
		LogFormat:       "text",
		MaxRetries:      2,
		BaseRetryDelay:  1,
		MaxRetryDelay:   1,
	}
}

func TestServiceEndToEnd(t *testing.T) {
	requireUnix(t)
	stub := &telegramStub{}
	api := httptest.NewServer(stub)
	defer api.Close()

	script := filepath.Join(t.TempDir(), "cloudflared")
	body := "#!/bin/sh\n" +
		"echo 'INF Requesting new quick Tunnel on trycloudflare.com...' >&2\n" +
		"echo 'INF |  https://abc-1.trycloudflare.com  |' >&2\n" +
		"exec sleep 30\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	c := testConfig(api.URL)
	c.CloudflaredPath = script
	c.HTTPListen = freeAddr(t)
	c.HTTPBasePath = "tw/"
	sink := &recordingSink{}
	svc, err := New(c, nil, WithHistorySinks(sink))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return len(stub.messages()) == 1 }, 10*time.Second, 20*time.Millisecond)
	assert.Contains(t, stub.messages()[0], "URL: https://abc-1.trycloudflare.com")
	require.Eventually(t, func() bool { return svc.Status().NotificationsSent == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "https://abc-1.trycloudflare.com", svc.Status().URL)

	cl := client.New(client.Config{BaseURL: "http://" + c.HTTPListen + "/tw", Logger: logger.Discard()})
	remote, err := cl.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://abc-1.trycloudflare.com", remote.URL)
	assert.Equal(t, 1, remote.NotificationsSent)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, "shutdown", svc.Status().State)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	assert.Equal(t, history.EventProcessStart, sink.events[0].Type)
}

func TestServiceGivesUpWithoutBinary(t *testing.T) {
	stub := &telegramStub{}
	api := httptest.NewServer(stub)
	defer api.Close()

	c := testConfig(api.URL)
	c.CloudflaredPath = filepath.Join(t.TempDir(), "missing")
	c.MaxRetries = 1
	svc, err := New(c, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = svc.Run(ctx)
	require.True(t, errors.Is(err, ErrRestartBudgetExhausted), "got %v", err)
	assert.Equal(t, "failed", svc.Status().State)
	assert.Empty(t, stub.messages())
}

func TestNewRejectsBadChatID(t *testing.T) {
	c := testConfig("http://127.0.0.1:1")
	c.ChatID = "42_x"
	_, err := New(c, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCheck(t *testing.T) {
	stub := &telegramStub{}
	api := httptest.NewServer(stub)
	defer api.Close()
	c := testConfig(api.URL)

	require.NoError(t, Check(context.Background(), c, nil, false))
	assert.Empty(t, stub.messages())

	require.NoError(t, Check(context.Background(), c, nil, true))
	msgs := stub.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "https://example-tunnel.trycloudflare.com")

	stub.mu.Lock()
	assert.Equal(t, "/bot123456:ABC-def/getMe", stub.paths[0])
	stub.mu.Unlock()
}
