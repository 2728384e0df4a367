package util

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogOptions configures the process-wide logger
type LogOptions struct {
	Env     string // "production" switches to the JSON encoder
	Level   string // debug, info, warn, error; empty keeps the env default
	Service string // attached to every entry as "service"
}

var (
	logMu  sync.RWMutex
	logger *zap.Logger
)

// InitLogger builds the global logger from opts and installs it as zap's global
func InitLogger(opts LogOptions) error {
	built, err := newLogger(opts)
	if err != nil {
		return err
	}
	SetLogger(built)
	return nil
}

func newLogger(opts LogOptions, extra ...zap.Option) (*zap.Logger, error) {
	var config zap.Config
	if opts.Env == "production" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if opts.Level != "" {
		level, err := zap.ParseAtomicLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		config.Level = level
	}

	built, err := config.Build(extra...)
	if err != nil {
		return nil, err
	}
	if opts.Service != "" {
		built = built.With(zap.String("service", opts.Service))
	}
	return built, nil
}

// SetLogger replaces the global logger
func SetLogger(l *zap.Logger) {
	logMu.Lock()
	logger = l
	logMu.Unlock()
	zap.ReplaceGlobals(l)
}

// GetLogger returns the global logger, falling back to a development logger before InitLogger
func GetLogger() *zap.Logger {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	if l != nil {
		return l
	}

	logMu.Lock()
	defer logMu.Unlock()
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SyncLogger flushes any buffered log entries
func SyncLogger() {
	logMu.RLock()
	defer logMu.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}
