// Package logger wraps zap with the fields the coordinator and agent attach
// to almost every line: request, task and client ids.
package logger

import (
	"context"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

// RequestIDKey is the context key under which httpmw stores the request id.
const RequestIDKey contextKey = "request_id"

// LoggingConfig selects level, encoding and destination. Any OutputPath other
// than stdout or stderr is a file rotated by size.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	OutputPath string `mapstructure:"outputPath"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

type Logger struct {
	zap *zap.Logger
}

var defaultLogger atomic.Pointer[Logger]

// Default returns the process logger set with SetDefault, or an info-level
// stdout logger when none was set.
func Default() *Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l, _ := NewLogger(LoggingConfig{Level: "info", Format: DetectFormat()})
	defaultLogger.CompareAndSwap(nil, l)
	return defaultLogger.Load()
}

func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// NewLogger builds a logger from cfg. An unknown level falls back to info.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			level = zapcore.InfoLevel
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "text", "console":
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if cfg.OutputPath != "" && cfg.OutputPath != "stdout" && cfg.OutputPath != "stderr" {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, sink(cfg), level)
	return &Logger{zap: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))}, nil
}

func sink(cfg LoggingConfig) zapcore.WriteSyncer {
	switch cfg.OutputPath {
	case "", "stdout":
		return zapcore.Lock(os.Stdout)
	case "stderr":
		return zapcore.Lock(os.Stderr)
	}
	size := cfg.MaxSizeMB
	if size <= 0 {
		size = 10
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.OutputPath,
		MaxSize:    size,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})
}

// NewNop discards everything
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// DetectFormat picks json in Kubernetes or when RZAPPLY_ENV is production,
// text everywhere else.
func DetectFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	switch os.Getenv("RZAPPLY_ENV") {
	case "production", "prod":
		return "json"
	}
	return "text"
}

func (l *Logger) Sync() error { return l.zap.Sync() }

func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

// WithContext adds the request id carried by ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return l.WithFields(zap.String("request_id", id))
	}
	return l
}

func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.WithFields(zap.String("task_id", taskID))
}

func (l *Logger) WithClientID(clientID string) *Logger {
	return l.WithFields(zap.String("client_id", clientID))
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field) { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field) { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Enabled reports whether lines at level would be written
func (l *Logger) Enabled(level zapcore.Level) bool {
	return l.zap.Core().Enabled(level)
}
