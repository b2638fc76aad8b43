// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"

	"github.com/nyxstratum/pool/pool"
)

// poolLog is the top-level daemon subsystem logger; poolPkgLog is the
// separate "POOL" subsystem logger handed to the pool package, both built
// from the same backend so --debuglevel governs both at once.
var (
	poolLog    slog.Logger = slog.Disabled
	poolPkgLog slog.Logger = slog.Disabled
)

type logWriter struct{ rotator *rotator.Rotator }

func (w logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	return w.rotator.Write(p)
}

// initLogging creates the log directory and a rotating file, returning a
// backend that writes to both stdout and that file, the way the teacher's
// eacrd-family daemons wire up decred/slog + jrick/logrotate.
func initLogging(logDir string) (*slog.Backend, *rotator.Rotator, error) {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("unable to create log directory: %v", err)
	}
	logFile := filepath.Join(logDir, defaultLogFilename)
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create log rotator: %v", err)
	}
	var w io.Writer = logWriter{rotator: r}
	return slog.NewBackend(w), r, nil
}

// useLoggers assigns a subsystem logger to this package and to the pool
// package from backendLog, at the configured debug level.
func useLoggers(backendLog *slog.Backend) {
	poolLog = backendLog.Logger("PLSD")
	poolPkgLog = backendLog.Logger("POOL")
	pool.UseLogger(poolPkgLog)
}

// applyDebugLevel sets both loggers to c.Debug, falling back to info on an
// unrecognized level name.
func (c *config) applyDebugLevel() {
	lvl, ok := slog.LevelFromString(c.Debug)
	if !ok {
		lvl = slog.LevelInfo
	}
	poolLog.SetLevel(lvl)
	poolPkgLog.SetLevel(lvl)
}
