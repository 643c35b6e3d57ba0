// Package logger provides structured logging for dbusreplay using zap.
//
// Log lines go to stderr unless configured otherwise: stdout carries
// capture data and inspect output.
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dbsmedya/dbusreplay/internal/config"
)

// Context field keys attached by the With* helpers.
const (
	FieldPath        = "path"
	FieldInterface   = "interface"
	FieldDestination = "dest"
)

// Logger wraps zap.SugaredLogger with bus context helpers.
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New builds a Logger from cfg. An output file that cannot be opened is an
// error.
func New(cfg *config.LoggingConfig) (*Logger, error) {
	sink, err := openSink(cfg.Output)
	if err != nil {
		return nil, err
	}
	return newWithSink(cfg, sink), nil
}

func newWithSink(cfg *config.LoggingConfig, sink zapcore.WriteSyncer) *Logger {
	core := zapcore.NewCore(buildEncoder(cfg.Format), sink, parseLevel(cfg.Level))
	base := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

// NewDefault logs text at info level to stderr.
func NewDefault() *Logger {
	return newWithSink(&config.LoggingConfig{Level: "info", Format: "text"}, zapcore.Lock(os.Stderr))
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

func parseLevel(level string) zapcore.Level {
	l, err := zapcore.ParseLevel(level)
	if err != nil || l < zapcore.DebugLevel || l > zapcore.ErrorLevel {
		return zapcore.InfoLevel
	}
	return l
}

func buildEncoder(format string) zapcore.Encoder {
	ec := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == "json" {
		return zapcore.NewJSONEncoder(ec)
	}
	ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewConsoleEncoder(ec)
}

// openSink resolves the configured output. A file path is appended to and
// mirrored on stderr.
func openSink(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout", "-":
		return zapcore.Lock(os.Stdout), nil
	}
	file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", output, err)
	}
	return zapcore.NewMultiWriteSyncer(zapcore.Lock(file), zapcore.Lock(os.Stderr)), nil
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(key, value), base: l.base}
}

// WithPath tags entries with an object path.
func (l *Logger) WithPath(path string) *Logger { return l.with(FieldPath, path) }

// WithInterface tags entries with an interface name.
func (l *Logger) WithInterface(iface string) *Logger { return l.with(FieldInterface, iface) }

// WithDestination tags entries with the bus name being scanned or served.
func (l *Logger) WithDestination(dest string) *Logger { return l.with(FieldDestination, dest) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}
