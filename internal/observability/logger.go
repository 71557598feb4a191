package observability

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	globalLogger zerolog.Logger
	initOnce     sync.Once
)

// InitLogger initializes the global structured logger.
// Only the first call has any effect.
func InitLogger(level string, pretty bool) {
	initOnce.Do(func() {
		logLevel, err := zerolog.ParseLevel(level)
		if err != nil || level == "" {
			logLevel = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(logLevel)

		var out io.Writer = os.Stdout
		if pretty {
			// Pretty console output for development
			out = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
		globalLogger = zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()

		// Set as global logger
		log.Logger = globalLogger
	})
}

// GetLogger returns the global logger
func GetLogger() zerolog.Logger {
	// Initialize with defaults if not already initialized
	InitLogger("info", false)
	return globalLogger
}

// WithCorrelationID creates a logger with a correlation ID
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}
	return GetLogger().With().Str("correlation_id", correlationID).Logger()
}

// WithSession creates the logger carried by a device session
func WithSession(sessionID, remoteAddr string) zerolog.Logger {
	return WithCorrelationID("").With().
		Str("session_id", sessionID).
		Str("remote_addr", remoteAddr).
		Logger()
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}
