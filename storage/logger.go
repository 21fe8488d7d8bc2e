package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for root selection and
// migration. It discards everything until InitLogger is called.
var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// LogOptions configures InitLogger.
type LogOptions struct {
	// Dir receives level-split rotated log files. Empty disables file output.
	Dir string
	// Debug lowers the console threshold to DEBUG.
	Debug bool
	// Quiet drops console output; files and the error ring still receive it.
	Quiet bool
}

// InitLogger configures the package logger.
// Unless Quiet, console output goes INFO (or DEBUG) to stdout, WARN/ERROR to stderr.
// With a log directory, records are additionally written to:
//   - storage_warn.log  (WARN + ERROR)
//   - storage_info.log  (INFO only, 1MB, 1 backup)
//   - storage_debug.log (DEBUG only, 1MB, 1 backup)
func InitLogger(opts LogOptions) {
	consoleMin := slog.LevelInfo
	if opts.Debug {
		consoleMin = slog.LevelDebug
	}

	handlers := []slog.Handler{errorCapture{}}
	if !opts.Quiet {
		handlers = append(handlers, &splitHandler{
			min:  consoleMin,
			low:  slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: consoleMin}),
			high: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		})
	}

	if opts.Dir != "" {
		os.MkdirAll(opts.Dir, 0750) //nolint:errcheck

		handlers = append(handlers,
			onlyLevels(slog.LevelWarn, slog.LevelError, rotating(opts.Dir, "storage_warn.log", 100, 3, slog.LevelWarn)),
			onlyLevels(slog.LevelInfo, slog.LevelInfo, rotating(opts.Dir, "storage_info.log", 1, 1, slog.LevelInfo)),
			onlyLevels(slog.LevelDebug, slog.LevelDebug, rotating(opts.Dir, "storage_debug.log", 1, 1, slog.LevelDebug)),
		)
	}

	logger = slog.New(fanout(handlers))
}

func rotating(dir, name string, maxSizeMB, backups int, level slog.Level) slog.Handler {
	return slog.NewTextHandler(&lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    maxSizeMB,
		MaxBackups: backups,
	}, &slog.HandlerOptions{Level: level})
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given level is enabled.
// Guards expensive DEBUG logging in tree walks.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// --- splitHandler: routes below WARN to low, WARN+ to high ---

type splitHandler struct {
	min       slog.Level
	low, high slog.Handler
}

func (h *splitHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.high.Handle(ctx, r)
	}
	return h.low.Handle(ctx, r)
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{min: h.min, low: h.low.WithAttrs(attrs), high: h.high.WithAttrs(attrs)}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{min: h.min, low: h.low.WithGroup(name), high: h.high.WithGroup(name)}
}

// --- errorCapture: keeps the most recent ERROR records for the status API ---

const recentErrorCap = 4

// LogEntry is a captured error log record.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Comp    string    `json:"comp"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

var errorRing struct {
	mu      gosync.Mutex
	entries [recentErrorCap]LogEntry
	count   int
}

// RecentErrors returns up to four of the latest error records, newest first.
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := min(errorRing.count, recentErrorCap)
	out := make([]LogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(errorRing.count-1-i)%recentErrorCap]
	}
	return out
}

type errorCapture struct{}

func (errorCapture) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (errorCapture) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{Time: r.Time, Message: r.Message}
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	})
	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%recentErrorCap] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

// comp attributes are added through With, so they arrive here rather than on
// the record. Keep them by wrapping.
func (h errorCapture) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &errorCaptureWith{attrs: attrs}
}
func (h errorCapture) WithGroup(_ string) slog.Handler { return h }

type errorCaptureWith struct {
	attrs []slog.Attr
}

func (h *errorCaptureWith) Enabled(ctx context.Context, level slog.Level) bool {
	return errorCapture{}.Enabled(ctx, level)
}

func (h *errorCaptureWith) Handle(ctx context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	return errorCapture{}.Handle(ctx, r)
}

func (h *errorCaptureWith) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &errorCaptureWith{attrs: merged}
}

func (h *errorCaptureWith) WithGroup(_ string) slog.Handler { return h }

// --- levelRange: passes only records within [lo, hi] ---

type levelRange struct {
	lo, hi slog.Level
	inner  slog.Handler
}

func onlyLevels(lo, hi slog.Level, inner slog.Handler) slog.Handler {
	return &levelRange{lo: lo, hi: hi, inner: inner}
}

func (h *levelRange) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lo && level <= h.hi
}

func (h *levelRange) Handle(ctx context.Context, r slog.Record) error {
	return h.inner.Handle(ctx, r)
}

func (h *levelRange) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRange{lo: h.lo, hi: h.hi, inner: h.inner.WithAttrs(attrs)}
}

func (h *levelRange) WithGroup(name string) slog.Handler {
	return &levelRange{lo: h.lo, hi: h.hi, inner: h.inner.WithGroup(name)}
}

// --- fanoutHandler: sends each record to every enabled handler ---

type fanoutHandler []slog.Handler

func fanout(hs []slog.Handler) slog.Handler { return fanoutHandler(hs) }

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
