package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger represents a structured logger
type Logger struct {
	logger *logrus.Logger
	fields logrus.Fields
	mu     sync.RWMutex
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
	LogDir     string `yaml:"log_dir"`
}

type runIDKey struct{}

// ContextWithRunID tags ctx so that WithContext adds the run id to every entry.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// NewLogger creates a new structured logger
func NewLogger(config *LogConfig) (*Logger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	switch strings.ToLower(config.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		return nil, fmt.Errorf("invalid log format: %s", config.Format)
	}

	if err := setLogOutput(logger, config); err != nil {
		return nil, err
	}

	return &Logger{
		logger: logger,
		fields: make(logrus.Fields),
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &Logger{logger: logger, fields: make(logrus.Fields)}
}

// NewWithWriter returns a text logger writing to w at the given level.
func NewWithWriter(w io.Writer, level logrus.Level) *Logger {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	return &Logger{logger: logger, fields: make(logrus.Fields)}
}

// setLogOutput sets the log output based on configuration
func setLogOutput(logger *logrus.Logger, config *LogConfig) error {
	switch strings.ToLower(config.Output) {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr", "":
		// stdout is left to the progress bar and summaries
		logger.SetOutput(os.Stderr)
	case "file":
		if config.LogDir == "" {
			config.LogDir = "logs"
		}
		if err := os.MkdirAll(config.LogDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		writer := &lumberjack.Logger{
			Filename:   filepath.Join(config.LogDir, "barreplay.log"),
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}

		if config.Level == "debug" {
			logger.SetOutput(io.MultiWriter(writer, os.Stderr))
		} else {
			logger.SetOutput(writer)
		}
	default:
		return fmt.Errorf("invalid log output: %s", config.Output)
	}

	return nil
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields adds multiple fields to the logger
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newFields := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &Logger{
		logger: l.logger,
		fields: newFields,
	}
}

// WithContext adds the run id carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if ctx == nil {
		return l
	}
	if runID, ok := ctx.Value(runIDKey{}).(string); ok {
		return l.WithField("run_id", runID)
	}
	return l
}

// WithError adds error information to the logger
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

func (l *Logger) entry() *logrus.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger.WithFields(l.fields)
}

func (l *Logger) Debug(args ...interface{}) {
	l.entry().Debug(args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.entry().Debugf(format, args...)
}

func (l *Logger) Info(args ...interface{}) {
	l.entry().Info(args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.entry().Infof(format, args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.entry().Warn(args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.entry().Warnf(format, args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.entry().Error(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.entry().Errorf(format, args...)
}

// GetLogger returns the underlying logrus logger
func (l *Logger) GetLogger() *logrus.Logger {
	return l.logger
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level logrus.Level) {
	l.logger.SetLevel(level)
}

var (
	globalLogger   *Logger
	globalLoggerMu sync.RWMutex
)

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance, or a discarding
// logger when none was set.
func GetGlobalLogger() *Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	if globalLogger == nil {
		return Nop()
	}
	return globalLogger
}

// OrGlobal returns l, falling back to the global logger when l is nil.
func OrGlobal(l *Logger) *Logger {
	if l != nil {
		return l
	}
	return GetGlobalLogger()
}
