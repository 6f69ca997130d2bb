package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/internal/metrics"
)

const (
	DefaultAPIURL  = "https://api.telegram.org"
	RequestTimeout = 10 * time.Second
	MaxAttempts    = 3

	maxBody = 64 << 10
)

// RetryDelays is the pause after each failed transient attempt.
var RetryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

var (
	// ErrTerminal is returned for credential or chat errors (401, 403, 404). Never retried.
	ErrTerminal = errors.New("telegram rejected the request")
	// ErrAttemptsExhausted is returned when every attempt hit a transient failure.
	ErrAttemptsExhausted = errors.New("telegram delivery attempts exhausted")
	// ErrUnexpected is returned for any other non-200 status. Never retried.
	ErrUnexpected = errors.New("unexpected telegram response")
)

type class int

const (
	classSuccess class = iota
	classTerminal
	classTransient
	classUnexpected
)

func (c class) String() string {
	switch c {
	case classSuccess:
		return "success"
	case classTerminal:
		return "terminal"
	case classTransient:
		return "transient"
	default:
		return "unexpected"
	}
}

func classify(status int) class {
	switch {
	case status == http.StatusOK:
		return classSuccess
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return classTerminal
	case status >= 500:
		return classTransient
	default:
		return classUnexpected
	}
}

// Telegram delivers tunnel URLs through the Bot API.
type Telegram struct {
	token   string
	chat    ChatID
	apiURL  string
	client  *http.Client
	clock   clockwork.Clock
	log     *slog.Logger
	sshUser string
}

type Option func(*Telegram)

func WithAPIURL(u string) Option {
	return func(t *Telegram) {
		if u != "" {
			t.apiURL = strings.TrimRight(u, "/")
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *Telegram) {
		if c != nil {
			t.client = c
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(t *Telegram) {
		if c != nil {
			t.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Telegram) {
		if l != nil {
			t.log = l
		}
	}
}

// WithSSHUsername adds an ssh connect hint to every message.
func WithSSHUsername(u string) Option {
	return func(t *Telegram) { t.sshUser = u }
}

func New(token, chatID string, opts ...Option) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token must be set")
	}
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("chat id must be set")
	}
	chat, err := ParseChatID(chatID)
	if err != nil {
		return nil, err
	}
	t := &Telegram{
		token:  token,
		chat:   chat,
		apiURL: DefaultAPIURL,
		client: &http.Client{},
		clock:  clockwork.NewRealClock(),
		log:    logger.Discard(),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With("component", "telegram")
	if chat.ThreadID != 0 {
		t.log.Info("using forum topic", "chat_id", chat.Primary, "thread_id", chat.ThreadID)
	}
	return t, nil
}

// Chat returns the parsed destination.
func (t *Telegram) Chat() ChatID { return t.chat }

type sendMessageRequest struct {
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	MessageThreadID int64  `json:"message_thread_id,omitempty"`
}

type response struct {
	status      int
	description string
	errorCode   int64
}

// Send delivers one notification for url. Transient failures (5xx, transport
// errors) are retried up to MaxAttempts with RetryDelays between attempts.
func (t *Telegram) Send(ctx context.Context, url string) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:          t.chat.Primary,
		Text:            FormatMessage(url, t.sshUser, t.clock.Now()),
		MessageThreadID: t.chat.ThreadID,
	})
	if err != nil {
		return err
	}
	log := t.log.With("url", url)
	log.Info("sending notification")

	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.IncNotification("canceled")
			return err
		}
		resp, err := t.call(ctx, http.MethodPost, "sendMessage", body)
		if err != nil {
			metrics.IncNotifyAttempt(classTransient.String())
			lastErr = err
			log.Warn("notification request failed", "attempt", attempt, "max_attempts", MaxAttempts, "error", err)
		} else {
			c := classify(resp.status)
			metrics.IncNotifyAttempt(c.String())
			switch c {
			case classSuccess:
				metrics.IncNotification("success")
				log.Info("notification delivered", "attempt", attempt)
				return nil
			case classTerminal:
				metrics.IncNotification("terminal")
				log.Error("notification rejected, not retrying", "attempt", attempt, "status", resp.status,
					"error_code", resp.errorCode, "description", resp.description)
				return fmt.Errorf("%w: status %d: %s", ErrTerminal, resp.status, resp.description)
			case classUnexpected:
				metrics.IncNotification("unexpected")
				log.Error("unexpected notification response, not retrying", "attempt", attempt, "status", resp.status,
					"description", resp.description)
				return fmt.Errorf("%w: status %d: %s", ErrUnexpected, resp.status, resp.description)
			default:
				lastErr = fmt.Errorf("server error: status %d", resp.status)
				log.Warn("notification server error", "attempt", attempt, "max_attempts", MaxAttempts, "status", resp.status)
			}
		}

		if attempt == MaxAttempts {
			break
		}
		delay := RetryDelays[attempt-1]
		log.Info("retrying notification", "attempt", attempt, "delay", delay)
		timer := t.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.IncNotification("canceled")
			return ctx.Err()
		case <-timer.Chan():
		}
	}
	metrics.IncNotification("exhausted")
	log.Error("notification failed", "attempts", MaxAttempts, "error", lastErr)
	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, MaxAttempts, lastErr)
}

// TestConnection calls getMe once. Any non-200 answer is an error.
func (t *Telegram) TestConnection(ctx context.Context) error {
	resp, err := t.call(ctx, http.MethodGet, "getMe", nil)
	if err != nil {
		t.log.Error("connection test error", "error", err)
		return fmt.Errorf("telegram getMe: %w", err)
	}
	if resp.status != http.StatusOK {
		t.log.Error("connection test failed", "status", resp.status, "description", resp.description)
		return fmt.Errorf("telegram getMe: status %d: %s", resp.status, resp.description)
	}
	t.log.Info("connection test successful")
	return nil
}

func (t *Telegram) call(ctx context.Context, method, apiMethod string, body []byte) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.apiURL+"/bot"+t.token+"/"+apiMethod, rd)
	if err != nil {
		return response{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := t.client.Do(req)
	if err != nil {
		return response{}, redact(err, t.token)
	}
	defer func() { _ = res.Body.Close() }()

	b, _ := io.ReadAll(io.LimitReader(res.Body, maxBody))
	out := response{status: res.StatusCode}
	if gjson.ValidBytes(b) {
		out.description = gjson.GetBytes(b, "description").String()
		out.errorCode = gjson.GetBytes(b, "error_code").Int()
	}
	return out, nil
}

// redact keeps the bot token out of logged transport errors, which embed the URL.
func redact(err error, token string) error {
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<token>"))
}
