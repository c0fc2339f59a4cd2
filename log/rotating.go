// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package log

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotatingFileOptions configures a size/age-rotated log file sink.
type RotatingFileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	Level      Level
}

// NewRotatingHandler returns a slog.Handler writing JSON lines to a file
// that lumberjack rotates by size/age, and closes/renames in the
// background. Embedders that want the duplication pipeline's logs on disk
// (rather than stderr) wire this into SetDefault via NewHandlerLogger.
func NewRotatingHandler(opts RotatingFileOptions) slog.Handler {
	w := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.Level(opts.Level)})
}
