// Package logger provides structured logging for the collaboration service
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// New creates the root logger; every entry carries service=collab
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	l := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "collab").
		Logger()

	if cfg.WithCaller {
		l = l.With().Caller().Logger()
	}
	return l
}

// Component returns a child logger tagged with the component name
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Document returns a child logger tagged with the document id
func Document(l zerolog.Logger, docID string) zerolog.Logger {
	return l.With().Str("doc_id", docID).Logger()
}
