// Copyright (c) 2025 The spruned developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package logutil sets up the shared btclog backend and hands out
// subsystem loggers the way the rest of the btcsuite family does: each
// package keeps its own `log` variable, defaulted to btclog.Disabled until
// wired up by UseLogger.
package logutil

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

var backendLog = btclog.NewBackend(logWriter{})

// logRotator rotates the node's log file when configured via
// InitLogRotator. It is nil when logging only goes to stdout.
var logRotator *rotator.Rotator

// logWriter implements io.Writer so logged messages can be fanned out to
// both stdout and the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	if logRotator != nil {
		logRotator.Write(p)
	}
	return len(p), nil
}

// NewSubsystemLogger returns a new logger for the named subsystem, tagged
// consistently with the rest of the process's logging.
func NewSubsystemLogger(subsystem string) btclog.Logger {
	return backendLog.Logger(subsystem)
}

// InitLogRotator initializes the logging rotator to write logs to the
// provided file and create roll files in the same directory. It must be
// called before the first log write to be effective.
func InitLogRotator(logFile string) error {
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return err
	}
	logRotator = r
	return nil
}

// SetLogLevels sets the logging level for all subsystems previously
// registered via NewSubsystemLogger, by level name (trace, debug, info,
// warn, error, critical, off).
func SetLogLevels(subsystemLoggers map[string]btclog.Logger, levelName string) {
	level, ok := btclog.LevelFromString(levelName)
	if !ok {
		return
	}
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}
