// Package logging provides the shared zerolog setup
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	initOnce sync.Once
	root     zerolog.Logger
)

// Init configures the process-wide logger. Safe to call multiple times;
// only the first call wins. Level is read from BERNSTEIN_LOG (debug, info,
// warn, error), defaulting to info.
func Init(w io.Writer) {
	initOnce.Do(func() {
		if w == nil {
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		level := zerolog.InfoLevel
		switch strings.ToLower(os.Getenv("BERNSTEIN_LOG")) {
		case "debug":
			level = zerolog.DebugLevel
		case "warn":
			level = zerolog.WarnLevel
		case "error":
			level = zerolog.ErrorLevel
		}
		root = zerolog.New(w).Level(level).With().Timestamp().Logger()
	})
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) zerolog.Logger {
	Init(nil)
	return root.With().Str("component", name).Logger()
}
