// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package log provides leveled, context-aware logging for the collector.
// Tags attached to the context via logtags are rendered as structured
// fields on every message.
package log

import (
	"context"

	"github.com/cockroachdb/logtags"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// SetLogger replaces the backing logger. Intended for embedding servers that
// already carry a configured logrus instance.
func SetLogger(l *logrus.Logger) {
	logger = l
}

func entry(ctx context.Context) *logrus.Entry {
	fields := logrus.Fields{}
	if buf := logtags.FromContext(ctx); buf != nil {
		for _, t := range buf.Get() {
			fields[t.Key()] = t.ValueStr()
		}
	}
	return logger.WithFields(fields)
}

// Infof logs at info level.
func Infof(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Infof(format, args...)
}

// Warningf logs at warning level.
func Warningf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Errorf(format, args...)
}
