// Package logging configures the structured process logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Named loggers used by the mesh runtime.
const (
	LoggerSubscribe = "subscribe"
	LoggerMessage   = "message"
)

// Init builds the process logger for app, installs it as the global zerolog
// logger and returns it. Console output is used when EVENTMESH_LOG_FORMAT is
// "console"; JSON lines otherwise.
func Init(app string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("EVENTMESH_LOG_FORMAT"), "console") {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	if level, err := zerolog.ParseLevel(strings.TrimSpace(os.Getenv("EVENTMESH_LOG_LEVEL"))); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}
	logger := New(out, app)
	log.Logger = logger
	return logger
}

// New builds a logger writing to out tagged with app.
func New(out io.Writer, app string) zerolog.Logger {
	return zerolog.New(out).With().Timestamp().Str("app", app).Logger()
}

// Named returns a child logger tagged with a logger name.
func Named(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("logger", name).Logger()
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
