// Package obslog wires the process-wide structured logger.
package obslog

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/basher83/oauth-gateway/internal/httpmw"
)

// Log is the process-wide logger. Init (or InitWithWriter) must be called
// once at startup before any package logs through it.
var Log zerolog.Logger

// Options configures the logger.
type Options struct {
	Level  string // zerolog level name, default "info"
	Format string // "json" or "console", default "console"
}

// Init configures Log to write to stdout.
func Init(opts Options) {
	InitWithWriter(os.Stdout, opts)
}

// InitWithWriter configures Log to write to w; split out for tests.
func InitWithWriter(w io.Writer, opts Options) {
	levelName := opts.Level
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}

	format := opts.Format
	if format == "" {
		format = "console"
	}

	var l zerolog.Logger
	if format == "json" {
		l = zerolog.New(w).With().Timestamp().Logger().Level(level)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger().Level(level)
	}

	Log = l
}

// Ctx returns a logger enriched with the request id found in ctx, if any.
func Ctx(ctx context.Context) *zerolog.Logger {
	reqID := httpmw.GetRequestID(ctx)
	if reqID == "" {
		return &Log
	}
	l := Log.With().Str("request_id", reqID).Logger()
	return &l
}
