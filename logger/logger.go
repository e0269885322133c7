// Package logger builds the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultFile is the log file used by Init.
const DefaultFile = "retentiond.log"

// Init writes JSON logs to retentiond.log in the current directory.
// Log level is read from LOG_LEVEL (trace, debug, info, warn, error).
func Init() (zerolog.Logger, error) {
	return InitWithOptions(DefaultFile, false)
}

// InitWithOptions builds the logger. An empty logFile logs to stdout; pretty
// selects the console writer and only applies to stdout.
func InitWithOptions(logFile string, pretty bool) (zerolog.Logger, error) {
	level := parseLogLevel(os.Getenv("LOG_LEVEL"))

	var (
		output io.Writer = os.Stdout
		target           = "stdout"
	)
	switch {
	case logFile != "":
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file %s: %w", logFile, err)
		}
		output = file
		target = logFile
	case pretty:
		output = zerolog.ConsoleWriter{Out: os.Stdout}
		target = "stdout (pretty)"
	}

	log := New(output, level)
	log.Info().Str("output", target).Str("level", level.String()).Msg("Logger initialized")
	return log, nil
}

// New returns a timestamped logger writing to w.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
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
