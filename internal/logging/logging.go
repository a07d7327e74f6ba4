// Package logging builds the zap loggers used across the service.
package logging

import (
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a console logger when env is "development".
func New(env, level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if strings.EqualFold(env, "development") {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	return cfg.Build()
}

// AsynqLevel maps a zap level name onto asynq's log levels
func AsynqLevel(level string) asynq.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return asynq.DebugLevel
	case "warn":
		return asynq.WarnLevel
	case "error":
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}

// AsynqLogger routes asynq server logs through zap
type AsynqLogger struct {
	s *zap.SugaredLogger
}

func NewAsynqLogger(l *zap.Logger) *AsynqLogger {
	return &AsynqLogger{s: l.Named("asynq").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *AsynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l *AsynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l *AsynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l *AsynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l *AsynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }

var _ asynq.Logger = (*AsynqLogger)(nil)
