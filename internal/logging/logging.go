// Package logging provides the process-wide zerolog configuration and a
// helper for deriving per-component loggers.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    zerolog.Logger
	started bool
)

// Init configures the global logger. It is safe to call more than once;
// later calls replace the writer and level used by WithComponent.
func Init(w io.Writer, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()

	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	base = zerolog.New(w).With().Timestamp().Logger().Level(level)
	started = true
}

// WithComponent returns a logger tagged with component=name, initializing
// a sane default (stderr, info level) if Init was never called.
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	if !started {
		zerolog.TimeFieldFormat = time.RFC3339
		base = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
		started = true
	}
	l := base
	mu.Unlock()

	return l.With().Str("component", name).Logger()
}

// SetVerbosity maps a CLI -v/-vv count to a zerolog level and re-initializes
// the global logger against stderr.
func SetVerbosity(count int) {
	level := zerolog.InfoLevel
	switch {
	case count >= 2:
		level = zerolog.TraceLevel
	case count == 1:
		level = zerolog.DebugLevel
	}
	Init(os.Stderr, level)
}
