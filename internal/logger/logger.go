package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants, shared by the service log and the child output logs.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// FileConfig describes a rotating log file. An empty Path disables file output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config describes the service logger.
type Config struct {
	Level  string // debug, info, warn(ing), error
	Format Format // text (default) or json
	Color  bool   // ANSI level colors on stdout, text format only
	File   FileConfig
	Stdout io.Writer // defaults to os.Stdout
}

// ParseLevel maps a textual level to slog.Level. Matching is case-insensitive.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// New builds the service logger. The returned closer releases the rotating file,
// if any; it is never nil.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	out := cfg.Stdout
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: utcTime}

	var closer io.Closer = nopCloser{}
	var fileHandler slog.Handler
	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := rotating(cfg.File, cfg.File.Path)
		closer = fw
		fileHandler = newHandler(fw, cfg.Format, opts)
	}

	var stdoutHandler slog.Handler
	if cfg.Color && cfg.Format != FormatJSON {
		stdoutHandler = NewColorTextHandler(out, opts, true)
	} else {
		stdoutHandler = newHandler(out, cfg.Format, opts)
	}

	if fileHandler == nil {
		return slog.New(stdoutHandler), closer, nil
	}
	return slog.New(fanout{stdoutHandler, fileHandler}), closer, nil
}

func newHandler(w io.Writer, f Format, opts *slog.HandlerOptions) slog.Handler {
	if f == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// utcTime renders record timestamps in UTC.
func utcTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
		a.Value = slog.TimeValue(a.Value.Time().UTC())
	}
	return a
}

// ProcessLogConfig describes where the child's raw output streams are copied:
// Dir/<name>.stdout.log and Dir/<name>.stderr.log. An empty Dir disables the copy.
// Rotation parameters follow lumberjack semantics.
type ProcessLogConfig struct {
	Dir        string
	MaxSizeMB  int  // megabytes before rotation (default 10)
	MaxBackups int  // number of backups to keep (default 3)
	MaxAgeDays int  // days to keep (default 7)
	Compress   bool // gzip rotated files
}

// Writers returns rotating writers for the child's stdout and stderr, or two
// nil writers when Dir is empty.
func (c ProcessLogConfig) Writers(name string) (io.WriteCloser, io.WriteCloser, error) {
	if c.Dir == "" {
		return nil, nil, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create process log dir: %w", err)
	}
	fc := FileConfig{MaxSizeMB: c.MaxSizeMB, MaxBackups: c.MaxBackups, MaxAgeDays: c.MaxAgeDays, Compress: c.Compress}
	outW := rotating(fc, filepath.Join(c.Dir, name+".stdout.log"))
	errW := rotating(fc, filepath.Join(c.Dir, name+".stderr.log"))
	return outW, errW, nil
}

func rotating(c FileConfig, path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard returns a logger that drops everything. Used as the default for
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// CloseAll closes every closer and joins the errors.
func CloseAll(cs ...io.Closer) error {
	var errs []error
	for _, c := range cs {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
