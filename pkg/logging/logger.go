// Package logging builds the zap logger shared by every service.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options control logger construction.
type Options struct {
	Level       string // debug, info, warn, error
	Development bool
	Encoding    string // console or json
}

// New creates a zap.Logger from Options.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(strings.ToLower(opts.Level)); err != nil {
			return nil, fmt.Errorf("logging: parse level %q: %w", opts.Level, err)
		}
	}

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "console"
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderCfg.EncodeDuration = zapcore.StringDurationEncoder
	if encoding == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      opts.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": "perp-core"},
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}
