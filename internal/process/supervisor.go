package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/tunnelwatch/internal/logger"
	"github.com/loykin/tunnelwatch/internal/metrics"
)

var (
	// ErrRestartBudgetExhausted is permanent: the supervisor refuses to start again.
	ErrRestartBudgetExhausted = errors.New("restart budget exhausted")
	// ErrExitedDuringStartup reports a child that died inside the start grace window.
	ErrExitedDuringStartup = errors.New("process exited during startup")
)

const (
	DefaultMaxRestarts = 10
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 60 * time.Second
	DefaultStartGrace  = 500 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
	DefaultReadWait    = 50 * time.Millisecond

	lineBuffer = 256
	waitDelay  = time.Second
)

// Options tunes restart and shutdown behavior. Zero values select the defaults.
type Options struct {
	MaxRestarts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	StartGrace  time.Duration
	StopTimeout time.Duration
	ReadWait    time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.StartGrace <= 0 {
		o.StartGrace = DefaultStartGrace
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.ReadWait <= 0 {
		o.ReadWait = DefaultReadWait
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return o
}

// handle is one generation of the child.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	lines     chan string   // trimmed primary-stream lines
	done      chan struct{} // closed once Wait returned and output was flushed
	quit      chan struct{} // closed when lines are no longer consumed
	quitOnce  sync.Once
	err       error // Wait result, valid after done
	files     []io.Closer
}

func (h *handle) stopReading() { h.quitOnce.Do(func() { close(h.quit) }) }

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *handle) exitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Supervisor owns exactly one cloudflared child: it starts it, reads its
// diagnostic stream, terminates it and restarts it with exponential backoff.
//
// The state machine is:
//
//	Stopped -> Starting -> Running -> Stopped
//	Starting -> Failed -> Starting | Stopped
//	Stopped -> Failed (restart budget exhausted, permanent)
type Supervisor struct {
	spec  Spec
	opts  Options
	clock clockwork.Clock
	log   *slog.Logger

	mu        sync.Mutex
	state     State
	h         *handle
	restarts  int
	exhausted bool
	exitCode  int
}

func New(spec Spec, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		spec:     spec,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "process", "name", spec.name()),
		exitCode: -1,
	}
}

// Start spawns the child unless it is already alive. A child that exits within
// the start grace window is reported as ErrExitedDuringStartup. Cancelling ctx
// only cuts the grace window short.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.IsAlive() {
		return nil
	}
	s.mu.Lock()
	if s.exhausted {
		s.mu.Unlock()
		return ErrRestartBudgetExhausted
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	h, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		metrics.IncStartFailure()
		s.log.Error("failed to start cloudflared", "binary", s.spec.binary(), "error", err)
		return fmt.Errorf("start %s: %w", s.spec.binary(), err)
	}

	log := s.log.With("pid", h.pid)
	grace := s.clock.NewTimer(s.opts.StartGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		s.mu.Lock()
		s.h = h
		s.releaseLocked(StateFailed)
		code := s.exitCode
		s.mu.Unlock()
		metrics.IncStartFailure()
		log.Error("cloudflared exited during startup", "exit_code", code, "error", h.err)
		return fmt.Errorf("%w: exit code %d", ErrExitedDuringStartup, code)
	case <-grace.Chan():
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.h = h
	s.restarts = 0
	s.setStateLocked(StateRunning)
	s.mu.Unlock()
	metrics.IncStart()
	log.Info("cloudflared started", "args", strings.Join(s.spec.Args(), " "))
	return nil
}

func (s *Supervisor) spawn() (*handle, error) {
	cmd := exec.Command(s.spec.binary(), s.spec.Args()...)
	configureSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay

	h := &handle{
		cmd:   cmd,
		lines: make(chan string, lineBuffer),
		done:  make(chan struct{}),
		quit:  make(chan struct{}),
	}
	outFile, errFile, err := s.spec.Log.Writers(s.spec.name())
	if err != nil {
		s.log.Warn("process log files disabled", "error", err)
	}

	// cloudflared writes its diagnostics, including the tunnel URL, to stderr.
	primary := newLineWriter(func(line string) {
		select {
		case h.lines <- line:
		case <-h.quit:
		}
	})
	secondary := newLineWriter(func(line string) {
		s.log.Debug("cloudflared stdout", "line", line)
	})
	cmd.Stderr = h.tee(primary, errFile)
	cmd.Stdout = h.tee(secondary, outFile)

	if err := cmd.Start(); err != nil {
		_ = logger.CloseAll(h.files...)
		return nil, err
	}
	h.pid = cmd.Process.Pid
	h.startedAt = s.clock.Now()

	go func() {
		err := cmd.Wait()
		primary.Flush()
		secondary.Flush()
		h.err = err
		close(h.done)
	}()
	return h, nil
}

// tee copies raw output to the rotating file, if any, without letting file
// errors interrupt line delivery.
func (h *handle) tee(lw *lineWriter, file io.WriteCloser) io.Writer {
	if file == nil {
		return lw
	}
	h.files = append(h.files, file)
	return teeWriter{lines: lw, file: file}
}

type teeWriter struct {
	lines io.Writer
	file  io.Writer
}

func (t teeWriter) Write(p []byte) (int, error) {
	_, _ = t.file.Write(p)
	return t.lines.Write(p)
}

// IsAlive reports whether the child is running. Observing an exit releases
// the handle and moves the supervisor to Stopped.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.h
	if h == nil {
		return false
	}
	if !h.exited() {
		return true
	}
	s.releaseLocked(StateStopped)
	s.log.Warn("cloudflared exited", "pid", h.pid, "exit_code", s.exitCode,
		"uptime", s.clock.Since(h.startedAt).Round(time.Millisecond), "error", h.err)
	return false
}

// ReadLine returns one line from the diagnostic stream, waiting at most
// Options.ReadWait. Lines written before the child exited are still returned
// until the buffer is drained.
func (s *Supervisor) ReadLine(ctx context.Context) (string, bool) {
	s.mu.Lock()
	h := s.h
	s.mu.Unlock()
	if h == nil {
		return "", false
	}
	select {
	case line := <-h.lines:
		return line, true
	default:
	}
	if h.exited() {
		return "", false
	}

	t := s.clock.NewTimer(s.opts.ReadWait)
	defer t.Stop()
	select {
	case line := <-h.lines:
		return line, true
	case <-h.done:
		select {
		case line := <-h.lines:
			return line, true
		default:
			return "", false
		}
	case <-t.Chan():
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// Terminate stops the child: SIGTERM to the process group and up to
// StopTimeout for it to exit, then SIGKILL. With force it kills right away.
// It always waits for the child to be reaped.
func (s *Supervisor) Terminate(force bool) error {
	s.mu.Lock()
	h := s.h
	if h == nil {
		if !s.exhausted {
			s.setStateLocked(StateStopped)
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	h.stopReading()
	log := s.log.With("pid", h.pid)
	var sigErr error
	if !h.exited() {
		if force {
			log.Info("killing cloudflared")
			sigErr = killGroup(h.cmd.Process)
		} else {
			log.Info("stopping cloudflared", "timeout", s.opts.StopTimeout)
			if err := terminateGroup(h.cmd.Process); err != nil {
				log.Warn("graceful stop signal failed", "error", err)
			}
			t := s.clock.NewTimer(s.opts.StopTimeout)
			select {
			case <-h.done:
			case <-t.Chan():
				log.Warn("cloudflared did not exit in time, killing", "timeout", s.opts.StopTimeout)
				sigErr = killGroup(h.cmd.Process)
			}
			t.Stop()
		}
		<-h.done
	}

	s.mu.Lock()
	if s.h == h {
		s.releaseLocked(StateStopped)
	}
	code := s.exitCode
	s.mu.Unlock()
	log.Info("cloudflared stopped", "exit_code", code)
	if sigErr != nil {
		return fmt.Errorf("kill %d: %w", h.pid, sigErr)
	}
	return nil
}

// RestartWithBackoff counts a restart attempt, sleeps the backoff delay and
// starts a new generation. Beyond MaxRestarts it fails permanently with
// ErrRestartBudgetExhausted.
func (s *Supervisor) RestartWithBackoff(ctx context.Context) error {
	s.mu.Lock()
	if s.exhausted {
		s.mu.Unlock()
		return ErrRestartBudgetExhausted
	}
	s.restarts++
	attempt := s.restarts
	if attempt > s.opts.MaxRestarts {
		s.exhausted = true
		live := s.h != nil
		s.mu.Unlock()
		if live {
			_ = s.Terminate(true)
		}
		s.mu.Lock()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.log.Error("restart budget exhausted", "max_restarts", s.opts.MaxRestarts)
		return fmt.Errorf("%w after %d attempts", ErrRestartBudgetExhausted, s.opts.MaxRestarts)
	}
	s.mu.Unlock()

	delay := BackoffDelay(attempt, s.opts.BaseDelay, s.opts.MaxDelay)
	metrics.IncRestart()
	s.log.Warn("restarting cloudflared", "attempt", attempt, "max_restarts", s.opts.MaxRestarts, "delay", delay)

	t := s.clock.NewTimer(delay)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.Chan():
	}

	if s.IsAlive() {
		_ = s.Terminate(true)
	}
	return s.Start(ctx)
}

// releaseLocked drops the current handle after its exit was observed.
func (s *Supervisor) releaseLocked(to State) {
	h := s.h
	if h == nil {
		return
	}
	s.h = nil
	h.stopReading()
	_ = logger.CloseAll(h.files...)
	s.exitCode = h.exitCode()
	s.setStateLocked(to)
	if s.exhausted {
		s.setStateLocked(StateFailed)
	}
	metrics.IncExit()
	metrics.ClearChild()
}

func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		s.log.Warn("ignored invalid state transition", "from", from.String(), "to", to.String())
		return
	}
	s.state = to
	metrics.RecordStateTransition("process", from.String(), to.String())
	metrics.SetCurrentState("process", from.String(), false)
	metrics.SetCurrentState("process", to.String(), true)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns the restart attempts since the last successful start.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Exhausted reports whether the restart budget ran out.
func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// PID returns the pid of the current child, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return 0
	}
	return s.h.pid
}

// ExitCode returns the exit code of the last generation that exited; -1 when
// none has exited yet or it was killed by a signal.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}
