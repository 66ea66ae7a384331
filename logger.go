package ldapstream

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Logger receives structured events from the pool and the streaming engine.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// nopLogger discards everything; used when no logger is configured.
type nopLogger struct{}

func (nopLogger) Debug(string, map[string]any) {}
func (nopLogger) Info(string, map[string]any)  {}
func (nopLogger) Warn(string, map[string]any)  {}
func (nopLogger) Error(string, map[string]any) {}

// LogrusLogger adapts a logrus logger to the Logger interface.
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger creates a Logger backed by logrus. A nil logger uses the
// logrus standard logger.
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogrusLogger{logger: logger}
}

func (l *LogrusLogger) Debug(msg string, fields map[string]any) {
	l.logger.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (l *LogrusLogger) Info(msg string, fields map[string]any) {
	l.logger.WithFields(logrus.Fields(fields)).Info(msg)
}

func (l *LogrusLogger) Warn(msg string, fields map[string]any) {
	l.logger.WithFields(logrus.Fields(fields)).Warn(msg)
}

func (l *LogrusLogger) Error(msg string, fields map[string]any) {
	l.logger.WithFields(logrus.Fields(fields)).Error(msg)
}

// logOperation logs an operation with timing, mirroring the shape of every
// other event emitted by the library.
func logOperation(log Logger, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	log.Debug("starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		log.Error("operation failed", fields)
	} else {
		log.Debug("operation completed", fields)
	}

	return err
}

// logPoolEvent logs connection pool lifecycle events at a level matched to
// their severity.
func logPoolEvent(log Logger, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["event"] = event

	switch event {
	case "connection_created", "connection_acquired", "connection_released", "connection_rebound":
		log.Debug("pool event", fields)
	case "pool_exhausted", "connection_evicted", "pool_draining":
		log.Debug("pool event", fields)
	case "connection_failed", "rebind_failed":
		log.Warn("pool event", fields)
	default:
		log.Debug("pool event", fields)
	}
}
