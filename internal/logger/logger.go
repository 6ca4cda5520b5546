// Package logger provides structured logging for labctl using zap: a
// process-wide singleton logger, JSON output for production, console
// for development.
package logger

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	globalSugar  *zap.SugaredLogger
	once         sync.Once
)

// Config holds logger configuration options.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Development puts zap in development mode (DPanic-level entries
	// panic). Console versus JSON output is chosen by JSONOutput.
	Development bool
	// JSONOutput enables JSON output for log aggregation.
	JSONOutput bool
}

// DefaultConfig returns the production logger configuration.
func DefaultConfig() *Config {
	return &Config{Level: "info", Development: false, JSONOutput: true}
}

// DevelopmentConfig returns the configuration used by `labd -dev`.
func DevelopmentConfig() *Config {
	return &Config{Level: "debug", Development: true, JSONOutput: false}
}

// Init initializes the global logger. Safe to call multiple times; only
// the first call takes effect.
func Init(cfg *Config) {
	once.Do(func() {
		if cfg == nil {
			cfg = DefaultConfig()
		}
		globalLogger = newLogger(cfg)
		globalSugar = globalLogger.Sugar()
	})
}

func newLogger(cfg *Config) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.JSONOutput {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}
	return zap.New(core, opts...)
}

// L returns the global logger, initializing it with defaults if needed.
func L() *zap.Logger {
	if globalLogger == nil {
		Init(nil)
	}
	return globalLogger
}

// S returns the global sugared logger.
func S() *zap.SugaredLogger {
	if globalSugar == nil {
		Init(nil)
	}
	return globalSugar
}

// Sync flushes any buffered log entries.
func Sync() error {
	if globalLogger != nil {
		return globalLogger.Sync()
	}
	return nil
}

type aggregateIDKey struct{}

// WithAggregateID attaches a booking's aggregate ID to ctx for downstream
// logging via ForAggregate.
func WithAggregateID(ctx context.Context, aggregateID string) context.Context {
	return context.WithValue(ctx, aggregateIDKey{}, aggregateID)
}

// ForAggregate returns a logger annotated with the aggregate ID carried in
// ctx, if any.
func ForAggregate(ctx context.Context) *zap.Logger {
	id, _ := ctx.Value(aggregateIDKey{}).(string)
	if id == "" {
		return L()
	}
	return L().With(zap.String("aggregate_id", id))
}
