// Package logging builds the process logger of the wsecho daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// LevelEnv overrides the configured level when set.
const LevelEnv = "RAWWS_LOG_LEVEL"

// New returns a console logger tagged with app that writes to w at
// level, or at the level named by LevelEnv if it is set.
// An empty level means info. The global zerolog logger is replaced.
func New(w io.Writer, app, level string) (zerolog.Logger, error) {
	if env := strings.TrimSpace(os.Getenv(LevelEnv)); env != "" {
		level = env
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}

	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger, nil
}

// ParseLevel parses a level name. An empty name means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, xerrors.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}
