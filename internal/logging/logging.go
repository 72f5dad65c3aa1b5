// Copyright 2016 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package logging provides the leveled structured logging used throughout
// the storage layer. A Logger is always constructed explicitly and passed
// to a Provider -- there is no package-level singleton.
package logging

import "github.com/sirupsen/logrus"

// Logger is the interface the storage layer logs through.
type Logger interface {
	Debug(msg string, fields logrus.Fields)
	Info(msg string, fields logrus.Fields)
	Warn(msg string, fields logrus.Fields)
	Error(msg string, fields logrus.Fields)
}

// logrusLogger adapts a *logrus.Logger to the Logger interface.
type logrusLogger struct {
	entry *logrus.Logger
}

// New returns a Logger backed by logrus, writing at the given level.
func New(level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	return &logrusLogger{entry: l}
}

func (l *logrusLogger) Debug(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Debug(msg)
}

func (l *logrusLogger) Info(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Info(msg)
}

func (l *logrusLogger) Warn(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Warn(msg)
}

func (l *logrusLogger) Error(msg string, fields logrus.Fields) {
	l.entry.WithFields(fields).Error(msg)
}

// noOpLogger discards everything. Used when a caller does not supply a
// Logger and does not want verbose output.
type noOpLogger struct{}

// NewNoOp returns a Logger that discards all messages.
func NewNoOp() Logger { return noOpLogger{} }

func (noOpLogger) Debug(string, logrus.Fields) {}
func (noOpLogger) Info(string, logrus.Fields)  {}
func (noOpLogger) Warn(string, logrus.Fields)  {}
func (noOpLogger) Error(string, logrus.Fields) {}
