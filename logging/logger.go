// Package logging provides the reactor engine's Logger Provider: a leveled
// wrapper around logrus with a lazily-initialized global singleton.
package logging

import (
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Level enumerates the leveled channels a Logger Provider exposes,
// including the INPUT_GUARD channel the sanitizer reports through and an
// OFF level. logrusLevel maps LevelOff, like any level it does not list,
// to logrus Info; it does not silence the logger.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
	LevelInputGuard
	LevelOff
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo, LevelInputGuard:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelFatal:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger wraps *logrus.Logger with engine-scoped fields and an input-guard
// report buffer.
type Logger struct {
	*logrus.Logger
	component string
	guard     *guardBuffer
}

// New creates a Logger for component, logging at level and in the given
// format ("json" or "text"). guardBufferSize bounds the number of
// INPUT_GUARD reports retained for later inspection (0 disables the
// buffer).
func New(component, level, format string, guardBufferSize int) *Logger {
	l := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{
		Logger:    l,
		component: component,
		guard:     newGuardBuffer(guardBufferSize),
	}
}

// NewFromEnv constructs a Logger using LOG_LEVEL/LOG_FORMAT environment
// variables, defaulting to "info"/"json" when unset.
func NewFromEnv(component string) *Logger {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	format := os.Getenv("LOG_FORMAT")
	if format == "" {
		format = "json"
	}
	return New(component, level, format, 256)
}

func (l *Logger) entry(ctx context.Context) *logrus.Entry {
	e := l.Logger.WithField("component", l.component)
	if nodeID, ok := ctx.Value(nodeIDKey{}).(string); ok && nodeID != "" {
		e = e.WithField("node_id", nodeID)
	}
	if runID, ok := ctx.Value(runIDKey{}).(string); ok && runID != "" {
		e = e.WithField("run_id", runID)
	}
	return e
}

func (l *Logger) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.entry(ctx).WithFields(fields).Debug(msg)
}

func (l *Logger) Info(ctx context.Context, msg string, fields map[string]any) {
	l.entry(ctx).WithFields(fields).Info(msg)
}

func (l *Logger) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.entry(ctx).WithFields(fields).Warn(msg)
}

func (l *Logger) Error(ctx context.Context, msg string, err error, fields map[string]any) {
	e := l.entry(ctx)
	if err != nil {
		e = e.WithError(err)
	}
	e.WithFields(fields).Error(msg)
}

// InputGuard records a sanitizer finding to the bounded report buffer and
// logs it at Info level tagged input_guard=true, rather than failing the
// call — strict rejection is the caller's decision (see
// sanitize.Options.Strict).
func (l *Logger) InputGuard(ctx context.Context, nodeID string, reasons []string) {
	l.guard.record(nodeID, reasons)
	fields := logrus.Fields{"node_id": nodeID, "reasons": reasons, "input_guard": true}
	l.entry(ctx).WithFields(fields).Info("input guard findings")
}

// GuardReports returns a copy of the input-guard findings retained so far,
// oldest first.
func (l *Logger) GuardReports() []GuardReport {
	return l.guard.snapshot()
}

type nodeIDKey struct{}
type runIDKey struct{}

// WithNodeID attaches a node id to ctx for later inclusion in log fields.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// WithRunID attaches a run id to ctx for later inclusion in log fields.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// Global logger instance, lazily initialized on first use unless InitDefault
// is called explicitly at startup.
var defaultLogger *Logger

// InitDefault initializes the package-global logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format, 256)
}

// Default returns the global logger, creating a fallback instance on first
// use if InitDefault was never called.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("reactor", "info", "json", 256)
	}
	return defaultLogger
}
