package watcher

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/tunnelwatch/internal/extractor"
	"github.com/loykin/tunnelwatch/internal/history"
	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/internal/metrics"
	"github.com/loykin/tunnelwatch/internal/process"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultStallTimeout = 60 * time.Second
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("watcher already running")

// Tunnel is the supervised child as seen by the watcher. *process.Supervisor
// implements it.
type Tunnel interface {
	Start(ctx context.Context) error
	IsAlive() bool
	ReadLine(ctx context.Context) (string, bool)
	Terminate(force bool) error
	RestartWithBackoff(ctx context.Context) error
	PID() int
	ExitCode() int
}

// Notifier delivers a tunnel URL. *notify.Telegram implements it.
type Notifier interface {
	Send(ctx context.Context, url string) error
	TestConnection(ctx context.Context) error
}

type Options struct {
	PollInterval time.Duration
	StallTimeout time.Duration
	// ResetOnRestart forgets the current URL whenever a new child starts, so
	// the first URL of every generation is announced even if unchanged.
	ResetOnRestart bool
	Clock          clockwork.Clock
	Logger         *slog.Logger
	History        []history.Sink
	// HistoryTimeout bounds each history sink call; the loop never waits longer.
	HistoryTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = history.DefaultSendTimeout
	}
	return o
}

// Status is a point-in-time view of the watcher, safe to hand to other goroutines.
type Status struct {
	State               string     `json:"state"`
	URL                 string     `json:"url,omitempty"`
	PID                 int        `json:"pid"`
	Restarts            int        `json:"restarts"`
	NotificationsSent   int        `json:"notifications_sent"`
	NotificationsFailed int        `json:"notifications_failed"`
	StallWarnings       int        `json:"stall_warnings"`
	LastNotifiedAt      *time.Time `json:"last_notified_at,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
}

// Watcher runs the start -> monitor -> notify cycle for one tunnel. All fields
// below the atomics are owned by the Run goroutine.
type Watcher struct {
	tunnel    Tunnel
	extractor *extractor.Extractor
	notifier  Notifier
	opts      Options
	clock     clockwork.Clock
	log       *slog.Logger

	started  atomic.Bool
	current  atomic.Int32
	snapshot atomic.Pointer[Status]

	state       State
	status      Status
	urlSeen     bool
	stallAnchor time.Time
}

func New(t Tunnel, x *extractor.Extractor, n Notifier, opts Options) *Watcher {
	opts = opts.withDefaults()
	if x == nil {
		x = extractor.New("")
	}
	w := &Watcher{
		tunnel:    t,
		extractor: x,
		notifier:  n,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "watcher"),
		state:     StateInitializing,
	}
	w.status.State = w.state.String()
	w.publish()
	metrics.SetCurrentState("watcher", w.state.String(), true)
	return w
}

// State returns the last published state.
func (w *Watcher) State() State { return State(w.current.Load()) }

// Status returns the last published snapshot.
func (w *Watcher) Status() Status {
	s := *w.snapshot.Load()
	if s.LastNotifiedAt != nil {
		t := *s.LastNotifiedAt
		s.LastNotifiedAt = &t
	}
	return s
}

// Run blocks until ctx is cancelled (returns nil) or the restart budget is
// exhausted (returns an error wrapping process.ErrRestartBudgetExhausted).
// Notification failures never end Run. A Watcher runs at most once.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	w.status.StartedAt = w.clock.Now().UTC()
	w.publish()

	if err := w.notifier.TestConnection(ctx); err != nil {
		w.log.Warn("notification channel check failed, continuing", "error", err)
	}
	if ctx.Err() != nil {
		return w.shutdown()
	}

	w.setState(StateStarting)
	if err := w.tunnel.Start(ctx); err != nil {
		w.log.Error("failed to start tunnel, retrying", "error", err)
		w.setState(StateRetrying)
	} else {
		w.onStarted()
		w.setState(StateRunning)
	}

	for {
		if ctx.Err() != nil {
			return w.shutdown()
		}
		switch w.state {
		case StateRetrying:
			if err := w.retry(ctx); err != nil {
				return err
			}
		case StateRunning:
			w.urlSeen = false
			w.stallAnchor = w.clock.Now()
			w.log.Info("monitoring tunnel output", "pid", w.status.PID)
			w.setState(StateMonitoring)
		case StateMonitoring:
			w.monitorOnce(ctx)
		default:
			// Starting and Notifying never survive a loop iteration.
			w.log.Error("watcher in unexpected state", "state", w.state.String())
			return w.shutdown()
		}
	}
}

func (w *Watcher) retry(ctx context.Context) error {
	w.status.Restarts++
	w.status.PID = 0
	w.publish()
	err := w.tunnel.RestartWithBackoff(ctx)
	switch {
	case err == nil:
		w.onStarted()
		w.setState(StateRunning)
	case errors.Is(err, process.ErrRestartBudgetExhausted):
		return w.fail(err)
	case ctx.Err() != nil:
		// shutdown on the next iteration
	default:
		w.log.Warn("restart attempt failed", "attempt", w.status.Restarts, "error", err)
		w.setState(StateRetrying)
	}
	return nil
}

func (w *Watcher) monitorOnce(ctx context.Context) {
	line, ok := w.tunnel.ReadLine(ctx)
	if ok {
		w.log.Debug("tunnel output", "line", line)
		url, found := w.extractor.Extract(line)
		if !found {
			return
		}
		w.urlSeen = true
		if w.extractor.IsNewURL(url) {
			w.onNewURL(ctx, url)
		}
		return
	}
	if ctx.Err() != nil {
		return
	}
	if !w.tunnel.IsAlive() {
		code := w.tunnel.ExitCode()
		w.log.Warn("tunnel process exited, restarting", "exit_code", code)
		w.emit(ctx, history.Event{Type: history.EventProcessExit, PID: w.status.PID, Detail: "exit code " + strconv.Itoa(code)})
		w.setState(StateRetrying)
		return
	}
	w.checkStall()
	w.sleep(ctx, w.opts.PollInterval)
}

func (w *Watcher) onNewURL(ctx context.Context, url string) {
	metrics.IncURLChange()
	w.status.URL = url
	w.log.Info("new tunnel URL detected", "url", url)
	w.emit(ctx, history.Event{Type: history.EventURLDetected, PID: w.status.PID, URL: url})

	w.setState(StateNotifying)
	if err := w.notifier.Send(ctx, url); err != nil {
		w.status.NotificationsFailed++
		w.log.Error("notification failed, continuing to monitor", "url", url, "error", err)
		w.emit(ctx, history.Event{Type: history.EventNotifyFailed, PID: w.status.PID, URL: url, Detail: err.Error()})
	} else {
		now := w.clock.Now().UTC()
		w.status.NotificationsSent++
		w.status.LastNotifiedAt = &now
		w.log.Info("notification delivered", "url", url)
		w.emit(ctx, history.Event{Type: history.EventNotified, PID: w.status.PID, URL: url})
	}
	w.setState(StateMonitoring)
}

func (w *Watcher) checkStall() {
	if w.urlSeen {
		return
	}
	if w.clock.Since(w.stallAnchor) < w.opts.StallTimeout {
		return
	}
	w.status.StallWarnings++
	metrics.IncStall()
	w.log.Warn("no tunnel URL detected yet, still waiting", "timeout", w.opts.StallTimeout)
	w.stallAnchor = w.clock.Now()
	w.publish()
}

// onStarted records a successful start of a new child generation.
func (w *Watcher) onStarted() {
	w.status.PID = w.tunnel.PID()
	if w.opts.ResetOnRestart {
		w.extractor.Reset()
		w.status.URL = ""
	}
	w.emit(context.Background(), history.Event{Type: history.EventProcessStart, PID: w.status.PID})
}

func (w *Watcher) fail(err error) error {
	w.log.Error("restart budget exhausted, giving up", "restarts", w.status.Restarts, "error", err)
	if terr := w.tunnel.Terminate(true); terr != nil {
		w.log.Warn("cleanup after failure", "error", terr)
	}
	w.status.PID = 0
	w.emit(context.Background(), history.Event{Type: history.EventRestartExhausted, Detail: err.Error()})
	w.setState(StateFailed)
	return err
}

func (w *Watcher) shutdown() error {
	w.log.Info("shutting down")
	if err := w.tunnel.Terminate(false); err != nil {
		w.log.Warn("terminate tunnel", "error", err)
	}
	w.status.PID = 0
	w.setState(StateShutdown)
	w.log.Info("shutdown complete")
	return nil
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) {
	t := w.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.Chan():
	}
}

func (w *Watcher) emit(ctx context.Context, e history.Event) {
	if len(w.opts.History) == 0 {
		return
	}
	e.OccurredAt = w.clock.Now()
	// history outlives the run context during shutdown paths
	history.EmitWithin(context.WithoutCancel(ctx), w.log, w.opts.History, e, w.opts.HistoryTimeout)
}

func (w *Watcher) setState(to State) {
	from := w.state
	if from != to && !CanTransition(from, to) {
		w.log.Warn("invalid state transition", "from", from.String(), "to", to.String())
	}
	if from != to {
		metrics.RecordStateTransition("watcher", from.String(), to.String())
		metrics.SetCurrentState("watcher", from.String(), false)
		metrics.SetCurrentState("watcher", to.String(), true)
		w.log.Debug("state change", "from", from.String(), "to", to.String())
	}
	w.state = to
	w.current.Store(int32(to))
	w.status.State = to.String()
	w.publish()
}

func (w *Watcher) publish() {
	s := w.status
	if s.LastNotifiedAt != nil {
		t := *s.LastNotifiedAt
		s.LastNotifiedAt = &t
	}
	w.snapshot.Store(&s)
}
