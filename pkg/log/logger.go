// Package log provides structured logging for the relay pool.
// It wraps log/slog and adds mining-specific field helpers.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hako/durafmt"
)

// Logger wraps slog.Logger with pool-specific helpers.
type Logger struct {
	*slog.Logger
	service string
	version string
}

// ParseLevel maps a textual level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a logger writing to stdout.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a logger writing to w. Format is "json" or "text".
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "0", "error", "text")
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger tagged with a miner connection.
func (l *Logger) WithMiner(id uint64, username string) *Logger {
	return l.WithFields("miner_id", id, "username", username)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, blockHeight int64) *Logger {
	return l.WithFields("job_id", jobID, "block_height", blockHeight)
}

// WithUpstream returns a logger tagged with the upstream pool in use.
func (l *Logger) WithUpstream(poolID int, endpoint string) *Logger {
	return l.WithFields("pool_id", poolID, "upstream", endpoint)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs raw stratum lines at debug level.
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(username, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"username", username,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogBlockFound logs when a block is found
func (l *Logger) LogBlockFound(blockHash string, blockHeight int64, username string, difficulty float64) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", blockHeight,
		"username", username,
		"difficulty", difficulty,
	)
}

// LogJobDistribution logs job distribution
func (l *Logger) LogJobDistribution(jobID string, blockHeight int64, cleanJobs bool, minerCount int) {
	l.Info("job distributed",
		"job_id", jobID,
		"block_height", blockHeight,
		"clean_jobs", cleanJobs,
		"miner_count", minerCount,
	)
}

// LogRelayEvent logs a relay lifecycle event. A non-zero since adds a
// human-readable elapsed field.
func (l *Logger) LogRelayEvent(event string, since time.Duration, fields ...any) {
	if since > 0 {
		fields = append(fields, "elapsed", FormatDuration(since))
	}
	l.Info("relay event", append([]any{"event", event}, fields...)...)
}

// FormatDuration renders d with its two most significant units, e.g. "4 minutes 2 seconds".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}
