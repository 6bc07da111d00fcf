// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	"crashrelay/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Called once at startup. Configures the global zerolog logger from cfg.
//
//  1. Format:
//     - LOG_PRETTY=true: colored console output
//     - otherwise: one JSON object per line
//
//  2. Base fields "service" and "instance" on every line.
//
//  3. Sampling: with LOG_SAMPLE_N > 1 only one in N debug/info lines is
//     written. Warn and above are never sampled.
//
// Library packages log through zerolog/log, so they follow this setup.
func Init(cfg config.Config) {
	InitWriter(cfg, os.Stderr)
}

// InitWriter is Init with an explicit destination.
func InitWriter(cfg config.Config, out io.Writer) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && cfg.LogLevel != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	zlog.Logger = logger

	// route the standard library logger through zerolog as well
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
