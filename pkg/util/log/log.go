// Copyright 2025 The Stratum Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package log is the logging facade used throughout the codebase. Call sites
// pass a context; tags attached to the context via logtags are rendered with
// every entry. The backend is a go-kit logger writing logfmt to stderr by
// default and replaceable for tests and embedders.
package log

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/logtags"
	kitlog "github.com/go-kit/log"
)

type severity string

const (
	sevInfo    severity = "info"
	sevWarning severity = "warning"
	sevError   severity = "error"
	sevFatal   severity = "fatal"
)

var logger atomic.Value // kitlog.Logger
var verbosity atomic.Int32

func init() {
	l := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))
	logger.Store(&l)
}

// SetLogger replaces the process-wide logging backend. Intended for tests and
// for embedders that route logs into their own sink.
func SetLogger(l kitlog.Logger) {
	logger.Store(&l)
}

// SetVerbosity sets the level at or below which V(level) returns true.
func SetVerbosity(level int32) {
	verbosity.Store(level)
}

// V returns true if logging is enabled at the given verbosity level. Guards
// for expensive log statements:
//
//	if log.V(2) {
//	    log.Infof(ctx, "expensive %s", thing)
//	}
func V(level int32) bool {
	return verbosity.Load() >= level
}

func output(ctx context.Context, sev severity, format string, args ...interface{}) {
	l := *logger.Load().(*kitlog.Logger)
	keyvals := []interface{}{
		"level", string(sev),
		"msg", fmt.Sprintf(format, args...),
	}
	if tags := logtags.FromContext(ctx); tags != nil {
		keyvals = append(keyvals, "tags", tags.String())
	}
	_ = l.Log(keyvals...)
}

// Infof logs to the INFO level.
func Infof(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevInfo, format, args...)
}

// Warningf logs to the WARNING level.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevWarning, format, args...)
}

// Errorf logs to the ERROR level.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevError, format, args...)
}

// Fatalf logs to the FATAL level and terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	output(ctx, sevFatal, format, args...)
	os.Exit(255)
}
