// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Voltaics

// Package log builds the supervisor's zap loggers. The service surfaces log
// structured JSON; the CLI surfaces use a human-readable console encoder.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

// New creates a JSON logger at the given level, writing to stderr.
func New(level string) (*zap.Logger, error) {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter creates a JSON logger writing to w.
func NewWithWriter(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig()),
		zapcore.AddSync(w),
		lvl,
	)
	return zap.New(core), nil
}

// NewConsole creates a human-readable logger for interactive CLI use.
// Verbose enables debug output.
func NewConsole(verbose bool) *zap.Logger {
	cfg := encoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder

	lvl := zapcore.InfoLevel
	if verbose {
		lvl = zapcore.DebugLevel
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(os.Stderr),
		lvl,
	)
	return zap.New(core)
}
