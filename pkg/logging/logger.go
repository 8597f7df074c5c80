// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()

	// Set as global logger
	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Queue admission and dispatch timing
//   - Proxy selection decisions
//   - Identity header assembly
//   - Cache operations (hit/miss, key, TTL)
//
// Info: Normal operation events
//   - Successful fetches
//   - Proxy pool refreshes (per-source counts, merged total)
//   - Pipeline startup/shutdown
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts and soft-block detections
//   - Individual proxy-list source failures
//   - Cache errors (fallback to direct fetch)
//
// Error: Error conditions requiring attention
//   - Failed fetches (retries exhausted)
//   - Proxy pool fully depleted
//   - Configuration errors
//
// Context Fields:
//   - url: target URL being fetched
//   - request_id: queue job correlation ID
//   - status: HTTP status code
//   - duration: request duration
//   - error_class: error classification (blocked, client, server, rate_limit, network)
//   - attempt: retry attempt number
//   - proxy: proxy endpoint host:port
//   - source: proxy-list source name
