// Copyright 2024 The Pegasus Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the structured logging surface shared by every
// duplication-pipeline component. It is a thin wrapper over log/slog: the
// package-level helpers (Trace, Debug, Info, Warn, Error, Crit) take
// alternating key/value pairs the way the rest of this codebase expects,
// and New returns a child Logger carrying a fixed set of fields so a
// duplicator or host never has to repeat "gpid"/"dupid" on every call.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Level mirrors slog's levels, adding Trace below Debug and Crit above
// Error since the duplication pipeline distinguishes "fatal, about to
// panic" from an ordinary error log line.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
	LevelCrit  Level = 12
)

// Logger is the interface every component in this module logs through.
type Logger interface {
	Trace(msg string, ctx ...any)
	Debug(msg string, ctx ...any)
	Info(msg string, ctx ...any)
	Warn(msg string, ctx ...any)
	Error(msg string, ctx ...any)
	Crit(msg string, ctx ...any)
	New(ctx ...any) Logger
}

type logger struct {
	inner *slog.Logger
}

var root Logger = &logger{inner: slog.New(newHandler(os.Stderr, LevelInfo))}

// SetDefault replaces the package-level root logger, e.g. to redirect to a
// rotating file sink (see NewRotatingHandler) or to raise verbosity.
func SetDefault(l Logger) { root = l }

// Root returns the current package-level logger.
func Root() Logger { return root }

func New(ctx ...any) Logger { return root.New(ctx...) }

func Trace(msg string, ctx ...any) { root.Trace(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// Crit logs at the highest severity and then exits the process. Components
// that need "log then panic" (fatal duplication invariants) should use
// duplication.Fatalf instead, which logs at LevelCrit without exiting.
func Crit(msg string, ctx ...any) {
	root.Crit(msg, ctx...)
	os.Exit(1)
}

func (l *logger) log(level Level, msg string, ctx []any) {
	l.inner.Log(context.Background(), slog.Level(level), msg, ctx...)
}

func (l *logger) Trace(msg string, ctx ...any) { l.log(LevelTrace, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...any) { l.log(LevelDebug, msg, ctx) }
func (l *logger) Info(msg string, ctx ...any)  { l.log(LevelInfo, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...any)  { l.log(LevelWarn, msg, ctx) }
func (l *logger) Error(msg string, ctx ...any) { l.log(LevelError, msg, ctx) }
func (l *logger) Crit(msg string, ctx ...any)  { l.log(LevelCrit, msg, ctx) }

func (l *logger) New(ctx ...any) Logger {
	args := make([]any, 0, len(ctx))
	for _, c := range ctx {
		args = append(args, c)
	}
	return &logger{inner: l.inner.With(args...)}
}

// NewHandlerLogger builds a Logger around an arbitrary slog.Handler, e.g.
// one writing JSON to a rotated file (see NewRotatingHandler).
func NewHandlerLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

func newHandler(w *os.File, level Level) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.Level(level)})
}

// Lazy formats a value only if the enclosing log line is actually emitted,
// useful for context fields that are expensive to compute (e.g. dumping a
// whole batch). Pass it as a ctx value; %v on a Lazy invokes the closure.
type Lazy struct {
	Fn func() any
}

func (l Lazy) String() string {
	return fmt.Sprint(l.Fn())
}
