// Package logger provides leveled, structured logging for rehost runs.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const redacted = "******"

// Logger wraps a zap logger with the leveled helpers used across the
// workflow. Messages are scrubbed of registered secrets before they are
// written.
type Logger struct {
	zl      *zap.Logger
	debug   bool
	logFile *os.File
	secrets []string
}

// New creates a Logger writing human-readable lines to stderr.
func New(debug bool) *Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter creates a Logger writing console lines to w.
func NewWithWriter(debug bool, w io.Writer) *Logger {
	core := zapcore.NewCore(consoleEncoder(), zapcore.AddSync(w), levelFor(debug))
	return &Logger{zl: zap.New(core), debug: debug}
}

// NewWithFile creates a Logger that writes to the console and appends JSON
// records to logFilePath.
func NewWithFile(debug bool, logFilePath string) (*Logger, error) {
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	level := levelFor(debug)
	core := zapcore.NewTee(
		zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(logFile), level),
	)
	return &Logger{zl: zap.New(core), debug: debug, logFile: logFile}, nil
}

func levelFor(debug bool) zapcore.Level {
	if debug {
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

func consoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		LevelKey:         "level",
		MessageKey:       "msg",
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05"),
		EncodeLevel:      bracketLevel,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	})
}

func bracketLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.WarnLevel:
		enc.AppendString("[WARNING]")
	default:
		enc.AppendString("[" + l.CapitalString() + "]")
	}
}

// With returns a child logger carrying an extra structured field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{
		zl:      l.zl.With(zap.Any(key, value)),
		debug:   l.debug,
		secrets: l.secrets,
	}
}

// WithSecrets returns a child logger that masks the given values.
func (l *Logger) WithSecrets(secrets ...string) *Logger {
	merged := append([]string{}, l.secrets...)
	for _, s := range secrets {
		if s != "" {
			merged = append(merged, s)
		}
	}
	return &Logger{zl: l.zl, debug: l.debug, secrets: merged}
}

// Close flushes buffered records and closes the log file if one is open.
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

func (l *Logger) scrub(msg string) string {
	return Redact(msg, l.secrets...)
}

// Info logs an informational message.
func (l *Logger) Info(msg string) {
	l.zl.Info(l.scrub(msg))
}

// Infof logs a formatted informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Info(fmt.Sprintf(format, args...))
}

// Success logs a completed step.
func (l *Logger) Success(msg string) {
	l.zl.Info(l.scrub(msg), zap.String("status", "done"))
}

// Successf logs a formatted success message.
func (l *Logger) Successf(format string, args ...interface{}) {
	l.Success(fmt.Sprintf(format, args...))
}

// Warning logs a warning message.
func (l *Logger) Warning(msg string) {
	l.zl.Warn(l.scrub(msg))
}

// Warningf logs a formatted warning message.
func (l *Logger) Warningf(format string, args ...interface{}) {
	l.Warning(fmt.Sprintf(format, args...))
}

// Error logs an error message.
func (l *Logger) Error(msg string) {
	l.zl.Error(l.scrub(msg))
}

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Error(fmt.Sprintf(format, args...))
}

// Debug logs a debug message (only if debug mode is enabled).
func (l *Logger) Debug(msg string) {
	if l.debug {
		l.zl.Debug(l.scrub(msg))
	}
}

// Debugf logs a formatted debug message (only if debug mode is enabled).
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.debug {
		l.Debug(fmt.Sprintf(format, args...))
	}
}

// Step logs a step header for workflow progress.
func (l *Logger) Step(stepNum int, description string) {
	l.Info("=========================================")
	l.Infof("Step %d: %s", stepNum, description)
	l.Info("=========================================")
}

// Redact replaces every occurrence of the given secrets in s.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// GetTimestamp returns a timestamp string in the format YYYYMMDD-HHMMSS.
func GetTimestamp() string {
	return time.Now().Format("20060102-150405")
}
