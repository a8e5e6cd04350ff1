// Package logger holds the process-wide zap logger and the context plumbing
// used to carry a request-scoped logger through the flow.
package logger

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level.
type Config struct {
	// Env is "dev" (console) or "prod" (JSON). Default: dev.
	Env string `yaml:"env" env:"ENV"`

	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level" env:"LEVEL"`

	Service string `yaml:"service" env:"SERVICE"`
}

var (
	mu       sync.Mutex
	instance *zap.Logger
)

// Init builds the global logger. Later calls replace it.
func Init(cfg Config) *zap.Logger {
	l := build(cfg)
	mu.Lock()
	instance = l
	mu.Unlock()
	return l
}

// L returns the global logger, creating a dev logger on first use.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance = build(Config{Env: "dev", Level: "info"})
	}
	return instance
}

// Named returns the global logger scoped to a component.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered entries.
func Sync() error {
	mu.Lock()
	l := instance
	mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Sync()
}

type ctxKey struct{}

// ToContext stores l in ctx.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored in ctx, or the global one.
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}

func build(cfg Config) *zap.Logger {
	level := parseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.ToLower(cfg.Env) == "prod" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build()
	if err != nil {
		l = zap.NewNop()
	}
	if cfg.Service != "" {
		l = l.With(zap.String("service", cfg.Service))
	}
	return l
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
