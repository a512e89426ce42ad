package logger

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// ColorTextHandler writes one line per record:
//
//	2006-01-02 15:04:05.000 [INFO] session started session_id=3 role=expert
//
// Level names and keys are coloured when color is set.
type ColorTextHandler struct {
	level slog.Leveler
	w     io.Writer
	mu    *sync.Mutex
	color bool

	group  string // dotted prefix for record attrs
	preset []byte // attrs added with WithAttrs, already formatted
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *ColorTextHandler {
	var lvl slog.Leveler = slog.LevelInfo
	if opts != nil && opts.Level != nil {
		lvl = opts.Level
	}
	return &ColorTextHandler{level: lvl, w: w, mu: &sync.Mutex{}, color: color}
}

func (h *ColorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = r.Time.AppendFormat(buf, "2006-01-02 15:04:05.000")
	buf = append(buf, " ["...)
	buf = h.appendLevel(buf, r.Level)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)
	buf = append(buf, h.preset...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.group, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *ColorTextHandler) appendLevel(buf []byte, l slog.Level) []byte {
	name, code := "ERROR", ansiRed
	switch {
	case l < slog.LevelInfo:
		name, code = "DEBUG", ansiGray
	case l < slog.LevelWarn:
		name, code = "INFO", ansiGreen
	case l < slog.LevelError:
		name, code = "WARN", ansiYellow
	}
	if !h.color {
		return append(buf, name...)
	}
	return append(append(append(buf, code...), name...), ansiReset...)
}

func (h *ColorTextHandler) appendAttr(buf []byte, group string, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	v := a.Value.Resolve()
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if v.Kind() == slog.KindGroup {
		for _, member := range v.Group() {
			buf = h.appendAttr(buf, key, member)
		}
		return buf
	}

	buf = append(buf, ' ')
	if h.color {
		buf = append(append(append(buf, ansiCyan...), key...), ansiReset...)
	} else {
		buf = append(buf, key...)
	}
	buf = append(buf, '=')
	return appendValue(buf, v)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if s == "" || strings.ContainsAny(s, " \t\"=") {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'f', 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		return append(buf, v.String()...)
	}
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.preset = append([]byte(nil), h.preset...)
	for _, a := range attrs {
		clone.preset = clone.appendAttr(clone.preset, h.group, a)
	}
	return &clone
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		name = clone.group + "." + name
	}
	clone.group = name
	return &clone
}
