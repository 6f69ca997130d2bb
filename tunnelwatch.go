package tunnelwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/tunnelwatch/internal/config"
	"github.com/loykin/tunnelwatch/internal/extractor"
	"github.com/loykin/tunnelwatch/internal/history"
	"github.com/loykin/tunnelwatch/internal/history/factory"
	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/internal/metrics"
	"github.com/loykin/tunnelwatch/internal/notify"
	"github.com/loykin/tunnelwatch/internal/process"
	"github.com/loykin/tunnelwatch/internal/server"
	"github.com/loykin/tunnelwatch/internal/watcher"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type LoadOptions = cfg.LoadOptions

type Status = watcher.Status

type HistorySink = history.Sink

var (
	ErrInvalidConfig          = cfg.ErrInvalid
	ErrRestartBudgetExhausted = process.ErrRestartBudgetExhausted
)

const shutdownTimeout = 5 * time.Second

func LoadConfig(opts LoadOptions) (*Config, error) { return cfg.Load(opts) }

// Service wires one cloudflared supervisor, the URL extractor, the Telegram
// notifier, history sinks and the optional status server.
type Service struct {
	cfg     *Config
	log     *slog.Logger
	watcher *watcher.Watcher
	sinks   []history.Sink
}

type Option func(*serviceOptions)

type serviceOptions struct {
	httpClient *http.Client
	sinks      []history.Sink
}

// WithHTTPClient sets the client used for the Telegram API.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serviceOptions) { o.httpClient = c }
}

// WithHistorySinks adds sinks next to the ones named by history_dsn.
func WithHistorySinks(s ...HistorySink) Option {
	return func(o *serviceOptions) { o.sinks = append(o.sinks, s...) }
}

func New(c *Config, log *slog.Logger, opts ...Option) (*Service, error) {
	if log == nil {
		log = logger.Discard()
	}
	var so serviceOptions
	for _, o := range opts {
		o(&so)
	}
	n, err := newNotifier(c, log, so.httpClient)
	if err != nil {
		return nil, err
	}

	popts := c.ProcessOptions()
	popts.Logger = log
	tunnel := process.New(c.ProcessSpec(), popts)

	sinks := append(factory.NewSinks(c.HistoryDSNs(), log), so.sinks...)
	w := watcher.New(tunnel, extractor.New(c.URLSuffix), n, watcher.Options{
		ResetOnRestart: c.ResetOnRestart,
		Logger:         log,
		History:        sinks,
	})
	return &Service{cfg: c, log: log, watcher: w, sinks: sinks}, nil
}

func newNotifier(c *Config, log *slog.Logger, client *http.Client) (*notify.Telegram, error) {
	n, err := notify.New(c.TelegramToken, c.ChatID,
		notify.WithAPIURL(c.TelegramAPIURL),
		notify.WithHTTPClient(client),
		notify.WithLogger(log),
		notify.WithSSHUsername(c.SSHUsername),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cfg.ErrInvalid, err)
	}
	return n, nil
}

// Run supervises the tunnel until ctx is cancelled (nil) or the restart
// budget is exhausted (ErrRestartBudgetExhausted).
func (s *Service) Run(ctx context.Context) error {
	defer factory.CloseSinks(s.sinks)
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		s.log.Warn("metrics registration failed", "error", err)
	}
	s.log.Info("starting tunnelwatch",
		"binary", s.cfg.CloudflaredPath, "ssh_port", s.cfg.SSHPort,
		"max_retries", s.cfg.MaxRetries, "history_sinks", len(s.sinks))

	if s.cfg.HTTPListen != "" {
		srv, err := server.NewServer(s.cfg.HTTPListen, s.cfg.HTTPBasePath, s.watcher)
		if err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		s.log.Info("status server listening", "addr", srv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				s.log.Warn("status server shutdown", "error", err)
			}
		}()
	}
	return s.watcher.Run(ctx)
}

// Status returns the watcher snapshot.
func (s *Service) Status() Status { return s.watcher.Status() }

// TestURLPrefix names the URL sent by Check when a test message is requested.
const TestURLPrefix = "https://example-tunnel."

// Check verifies the Telegram credentials and, when send is true, delivers a
// test message through the normal retry policy.
func Check(ctx context.Context, c *Config, log *slog.Logger, send bool) error {
	if log == nil {
		log = logger.Discard()
	}
	n, err := newNotifier(c, log, nil)
	if err != nil {
		return err
	}
	chat := n.Chat()
	log.Info("checking telegram", "chat_id", chat.Primary, "thread_id", chat.ThreadID)
	if err := n.TestConnection(ctx); err != nil {
		return err
	}
	if !send {
		return nil
	}
	return n.Send(ctx, TestURLPrefix+c.URLSuffix)
}

// RegisterMetrics registers the tunnelwatch collectors on r. Run registers them
// on the default registerer itself.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
