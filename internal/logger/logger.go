// Package logger is the process-wide structured logger of vired.
//
// It wraps log/slog behind package level functions so components can log
// without carrying a logger around. Session and use-case scoped fields
// travel in the context (see LogContext) and are prepended by the *Ctx
// variants.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Config selects level, format and destination.
type Config struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // text, json
	Output string // stdout, stderr, or file path
}

const (
	formatText = "text"
	formatJSON = "json"
)

type state struct {
	mu     sync.RWMutex
	level  slog.LevelVar
	format string
	out    io.Writer
	file   *os.File // non-nil when out is a log file we opened
	color  bool
	log    *slog.Logger
}

var std = newState(os.Stdout)

func newState(out *os.File) *state {
	s := &state{format: formatText, out: out, color: isTerminal(out)}
	s.level.Set(slog.LevelInfo)
	s.rebuild()
	return s
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// rebuild must be called with mu held (or before s is shared).
func (s *state) rebuild() {
	opts := &slog.HandlerOptions{Level: &s.level}
	var h slog.Handler
	if s.format == formatJSON {
		h = slog.NewJSONHandler(s.out, opts)
	} else {
		h = NewColorTextHandler(s.out, opts, s.color)
	}
	s.log = slog.New(h)
}

func (s *state) setOutput(w io.Writer, file *os.File, color bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil && s.file != file {
		_ = s.file.Close()
	}
	s.out, s.file, s.color = w, file, color
	s.rebuild()
}

func (s *state) logger() *slog.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log
}

// ParseLevel maps a level name to its slog level. WARNING is accepted as
// an alias of WARN.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Init applies cfg. Empty fields keep their current value.
func Init(cfg Config) error {
	switch strings.ToLower(cfg.Output) {
	case "":
	case "stdout":
		std.setOutput(os.Stdout, nil, isTerminal(os.Stdout))
	case "stderr":
		std.setOutput(os.Stderr, nil, isTerminal(os.Stderr))
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		std.setOutput(f, f, false)
	}
	if cfg.Level != "" {
		lvl, err := ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		std.level.Set(lvl)
	}
	if cfg.Format != "" {
		SetFormat(cfg.Format)
	}
	return nil
}

// InitWithWriter sends output to w. Used by tests.
func InitWithWriter(w io.Writer, level, format string, color bool) {
	std.setOutput(w, nil, color)
	SetLevel(level)
	SetFormat(format)
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	if lvl, err := ParseLevel(name); err == nil {
		std.level.Set(lvl)
	}
}

// CurrentLevel returns the minimum level being logged.
func CurrentLevel() slog.Level {
	return std.level.Level()
}

// SetFormat switches between text and json. Unknown formats are ignored.
func SetFormat(format string) {
	format = strings.ToLower(format)
	if format != formatText && format != formatJSON {
		return
	}
	std.mu.Lock()
	defer std.mu.Unlock()
	if std.format != format {
		std.format = format
		std.rebuild()
	}
}

// With returns a logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return std.logger().With(args...)
}

func emit(ctx context.Context, lvl slog.Level, msg string, args []any) {
	if lvl < std.level.Level() {
		return
	}
	std.logger().Log(ctx, lvl, msg, contextArgs(ctx, args)...)
}

// Debug logs msg with key/value pairs at debug level.
func Debug(msg string, args ...any) { emit(context.Background(), slog.LevelDebug, msg, args) }

func Info(msg string, args ...any) { emit(context.Background(), slog.LevelInfo, msg, args) }

func Warn(msg string, args ...any) { emit(context.Background(), slog.LevelWarn, msg, args) }

func Error(msg string, args ...any) { emit(context.Background(), slog.LevelError, msg, args) }

// DebugCtx is Debug with the LogContext fields of ctx first.
func DebugCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelDebug, msg, args)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelInfo, msg, args)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelWarn, msg, args)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelError, msg, args)
}

func contextArgs(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	fields := lc.fields()
	if len(fields) == 0 {
		return args
	}
	return append(fields, args...)
}
