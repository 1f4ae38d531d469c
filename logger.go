package tilestream

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// nopHandler discards every record. Enabled reports false so callers skip
// attribute formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger sets the package-wide logger used by managers that were not given
// one with WithLogger. By default tilestream logs nothing. Passing nil
// restores the silent default.
//
// Levels used:
//   - Debug: per-tile transitions (admit, evict, discard)
//   - Info: texture registration and release, resets
//   - Warn: recoverable streaming failures, dropped error reports
//   - Error: invariant violations found in debug mode
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)
}

// Logger returns the package-wide logger. It never returns nil.
func Logger() *slog.Logger { return loggerPtr.Load() }
