// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log implements the hub's logging facade. Packages log through the
// package-level functions so they never carry a logger handle around; the
// backend is configured once by the composition root.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu     sync.RWMutex
	logger = newDefaultLogger()
)

func newDefaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05 MST",
	})
	return l
}

// SetupLogger configures the shared logger. level is one of trace, debug,
// info, warn, error; format is "text" or "json". An empty value keeps the
// default. Returns an error on an unknown level so a config typo does not
// silently run at info.
func SetupLogger(writer io.Writer, level, format string) error {
	l := logrus.New()
	if writer == nil {
		writer = os.Stderr
	}
	l.SetOutput(writer)

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	l.SetLevel(lvl)

	switch strings.ToLower(format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05 MST",
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// ChangeLogLevel adjusts the level of the shared logger at runtime.
func ChangeLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("unknown log level %q", level)
	}
	mu.RLock()
	logger.SetLevel(lvl)
	mu.RUnlock()
	return nil
}

// GetLogLevel returns the current level of the shared logger.
func GetLogLevel() string {
	mu.RLock()
	defer mu.RUnlock()
	return logger.GetLevel().String()
}

func get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Fields attaches structured fields to a log entry.
type Fields = logrus.Fields

// WithFields returns an entry carrying structured fields.
func WithFields(fields Fields) *logrus.Entry {
	return get().WithFields(fields)
}

// Tracef formats message according to format specifier and logs it at the trace level.
func Tracef(format string, params ...interface{}) {
	get().Tracef(format, params...)
}

// Debugf formats message according to format specifier and logs it at the debug level.
func Debugf(format string, params ...interface{}) {
	get().Debugf(format, params...)
}

// Infof formats message according to format specifier and logs it at the info level.
func Infof(format string, params ...interface{}) {
	get().Infof(format, params...)
}

// Warnf formats message according to format specifier and logs it at the warn level.
func Warnf(format string, params ...interface{}) {
	get().Warnf(format, params...)
}

// Errorf formats message according to format specifier and logs it at the error level.
func Errorf(format string, params ...interface{}) {
	get().Errorf(format, params...)
}

// Trace logs at the trace level.
func Trace(v ...interface{}) {
	get().Trace(v...)
}

// Debug logs at the debug level.
func Debug(v ...interface{}) {
	get().Debug(v...)
}

// Info logs at the info level.
func Info(v ...interface{}) {
	get().Info(v...)
}

// Warn logs at the warn level.
func Warn(v ...interface{}) {
	get().Warn(v...)
}

// Error logs at the error level.
func Error(v ...interface{}) {
	get().Error(v...)
}

// Flush is a no-op kept so shutdown paths can signal intent; logrus writes
// synchronously.
func Flush() {}
