// Package applog builds the cosmossdk.io/log.Logger threaded through
// every component constructor. A single root logger is created at
// process start and scoped per component with .With("module", name).
package applog

import (
	"io"
	"os"
	"strings"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
)

// Config controls the root logger's destination, level, and format.
type Config struct {
	Level  string // debug, info, warn, error
	JSON   bool
	Output io.Writer // defaults to os.Stderr
}

// New builds the root logger from cfg.
func New(cfg Config) log.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := []log.Option{log.LevelOption(parseLevel(cfg.Level))}
	if cfg.JSON {
		opts = append(opts, log.OutputJSONOption())
	} else {
		opts = append(opts, log.OutputConsoleWriterOption())
	}
	return log.NewLogger(out, opts...)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Nop returns a logger that discards everything, for tests.
func Nop() log.Logger {
	return log.NewNopLogger()
}

// Named scopes logger with a module label, the convention every
// component constructor in this codebase follows.
func Named(logger log.Logger, module string) log.Logger {
	return logger.With("module", module)
}
