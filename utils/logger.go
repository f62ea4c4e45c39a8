package utils

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured events to the run's log file. The git-annex
// protocol owns stdout, so nothing here may print to it.
type Logger struct {
	Filename string
	z        *zap.Logger
}

func NewLogger(filename string, cleanup bool, debug bool) (*Logger, error) {
	// if cleanup create or clear the log file
	if cleanup {
		if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "removing log file %s", filename)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	cfg.OutputPaths = []string{filename}
	cfg.ErrorOutputPaths = []string{filename}
	cfg.DisableStacktrace = true
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	z, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", filename)
	}
	return &Logger{Filename: filename, z: z}, nil
}

// NewNopLogger returns a logger that drops everything.
func NewNopLogger() *Logger {
	return &Logger{z: zap.NewNop()}
}

// NewLoggerFromZap wraps an existing zap logger.
func NewLoggerFromZap(z *zap.Logger) *Logger {
	return &Logger{z: z}
}

func (l *Logger) Event(message string, fields ...zap.Field) {
	l.z.Info(message, fields...)
}

func (l *Logger) Debug(message string, fields ...zap.Field) {
	l.z.Debug(message, fields...)
}

func (l *Logger) Warn(message string, fields ...zap.Field) {
	l.z.Warn(message, fields...)
}

func (l *Logger) Error(message string, err error, fields ...zap.Field) {
	l.z.Error(message, append(fields, zap.Error(err))...)
}

// Fatal logs and exits. Only the command layer calls it.
func (l *Logger) Fatal(message string, fields ...zap.Field) {
	l.z.Fatal(message, fields...)
}

// With returns a child logger that adds fields to every event.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Filename: l.Filename, z: l.z.With(fields...)}
}

func (l *Logger) Sync() error {
	return l.z.Sync()
}
