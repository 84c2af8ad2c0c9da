// Package monitoring wires the ambient logging and metrics stack: a
// zerolog logger (JSON for production, pretty console for local dev),
// and the Prometheus gauges/counters exported for the core's internal
// state (async table depth, event-queue depth/flow-control state,
// channel and monitor counts, dropped-completion count).
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects the logger's output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level  string
	Format LogFormat
}

// NewLogger builds the base structured logger every package/client
// derives its own sub-logger from via .With().
func NewLogger(cfg LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "casrv").
		Logger()
}
