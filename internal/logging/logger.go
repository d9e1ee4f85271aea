// Package logging provides structured logging for appforge.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
)

// Init initializes the global logger. Safe to call multiple times.
func Init() {
	once.Do(func() {
		var cfg zap.Config
		if isProduction() {
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "ts"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			if parsed, err := zapcore.ParseLevel(lvl); err == nil {
				cfg.Level = zap.NewAtomicLevelAt(parsed)
			}
		}

		var err error
		logger, err = cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			// Fallback to nop logger
			logger = zap.NewNop()
		}
		sugar = logger.Sugar()
	})
}

func isProduction() bool {
	for _, key := range []string{"GO_ENV", "APP_ENV", "ENVIRONMENT"} {
		if v := strings.ToLower(os.Getenv(key)); v != "" {
			return v == "production" || v == "prod"
		}
	}
	return false
}

// L returns the global structured logger
func L() *zap.Logger {
	Init()
	return logger
}

// S returns the global sugared logger (printf-style)
func S() *zap.SugaredLogger {
	Init()
	return sugar
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithContext returns a logger with additional structured fields
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Component returns a logger tagged with a component name.
func Component(name string) *zap.Logger {
	return L().With(zap.String("component", name))
}

// ForSession returns a logger tagged with a generation session id.
func ForSession(component, sessionID string) *zap.Logger {
	return L().With(zap.String("component", component), zap.String("session_id", sessionID))
}
