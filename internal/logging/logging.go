// Package logging builds the charmbracelet loggers shared by the CLI, the
// worker and the API, and carries them through context.Context.
package logging

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// New returns a logger writing to w with "HH:MM:SS.ms" timestamps. Debug
// messages are only written when verbose is set.
func New(w io.Writer, verbose bool) *log.Logger {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05.00",
		Level:           level,
	})
}

// NewPrefixed is New with a fixed prefix, used by the long-running services.
func NewPrefixed(w io.Writer, prefix string, verbose bool) *log.Logger {
	l := New(w, verbose)
	l.SetPrefix(prefix)
	return l
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

type ctxKey int

const loggerKey ctxKey = 0

func WithLogger(ctx context.Context, l *log.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext returns the logger attached to ctx, or log.Default().
func FromContext(ctx context.Context) *log.Logger {
	if l, ok := ctx.Value(loggerKey).(*log.Logger); ok {
		return l
	}
	return log.Default()
}

// Progress logs the elapsed time of an operation when it is done. It is not
// safe for concurrent use.
type Progress struct {
	logger *log.Logger
	start  time.Time
}

func NewProgress(l *log.Logger) *Progress {
	return &Progress{logger: l, start: time.Now()}
}

// Done logs msg followed by the elapsed time rounded to the millisecond.
func (p *Progress) Done(msg string) {
	p.logger.Infof("%s (%s)", msg, time.Since(p.start).Round(time.Millisecond))
}
