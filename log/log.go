// Package log provides scoped structured logging built on zerolog.
//
// Loggers travel through [context.Context]. A component creates its logger
// with [New], attaches it to the context with [Logger.WithContext], and
// nested calls recover it with [Ctx].
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Attr adds a field to a logger context.
type Attr func(zerolog.Context) zerolog.Context

// Logger is a zerolog-backed logger with a fixed scope.
type Logger struct {
	zl zerolog.Logger
}

//nolint:gochecknoglobals
var base zerolog.Logger

// InitGlobals configures the process-wide logger. Console output is the
// default; json switches to newline-delimited JSON.
func InitGlobals(level zerolog.Level, json, noColor bool) Logger {
	out := io.Writer(os.Stderr)
	if !json {
		out = zerolog.ConsoleWriter{Out: os.Stderr, NoColor: noColor}
	}

	zerolog.DurationFieldUnit = time.Second
	zerolog.SetGlobalLevel(level)

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &base

	return Logger{zl: base}
}

// New returns a logger for the given scope.
func New(scope string) Logger {
	return Logger{zl: base.With().Str("s", scope).Logger()}
}

// Ctx returns the logger attached to ctx, or the process-wide logger when
// none is attached.
func Ctx(ctx context.Context) Logger {
	return Logger{zl: *zerolog.Ctx(ctx)}
}

// With returns a copy of the logger with the attrs added.
func (l Logger) With(attrs ...Attr) Logger {
	zctx := l.zl.With()
	for _, attr := range attrs {
		zctx = attr(zctx)
	}

	return Logger{zl: zctx.Logger()}
}

// WithContext returns a copy of ctx with the logger attached.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return l.zl.WithContext(ctx)
}

func (l Logger) Trace(msg string) {
	l.zl.Trace().Msg(msg)
}

func (l Logger) Debug(msg string) {
	l.zl.Debug().Msg(msg)
}

func (l Logger) Debugf(format string, vals ...any) {
	l.zl.Debug().Msgf(format, vals...)
}

func (l Logger) Info(msg string) {
	l.zl.Info().Msg(msg)
}

func (l Logger) Infof(format string, vals ...any) {
	l.zl.Info().Msgf(format, vals...)
}

func (l Logger) Warn(msg string) {
	l.zl.Warn().Msg(msg)
}

func (l Logger) Warnf(format string, vals ...any) {
	l.zl.Warn().Msgf(format, vals...)
}

func (l Logger) Error(err error, msg string) {
	l.zl.Error().Err(err).Msg(msg)
}

func (l Logger) Errorf(err error, format string, vals ...any) {
	l.zl.Error().Err(err).Msgf(format, vals...)
}

func (l Logger) Fatal(err error, msg string) {
	l.zl.Fatal().Err(err).Msg(msg)
}

// OpTime formats a logical timestamp as "T.I".
func OpTime(t, i uint32) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("optime", fmt.Sprintf("%d.%d", t, i))
	}
}

// NS formats a namespace as "db" or "db.coll".
func NS(db, coll string) Attr {
	ns := db
	if coll != "" {
		ns += "." + coll
	}

	return func(c zerolog.Context) zerolog.Context { return c.Str("ns", ns) }
}

// Op names an oplog operation.
func Op(op string) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str("op", op) }
}

// Elapsed records a duration in seconds.
func Elapsed(d time.Duration) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Dur("elapsed", d) }
}

// Count records an event count, humanized for console readability.
func Count(n int64) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str("count", humanize.Comma(n)) }
}

func Int64(key string, val int64) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Int64(key, val) }
}
