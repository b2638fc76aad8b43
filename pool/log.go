// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package pool

import (
	"github.com/decred/slog"
)

// log is the pool package's subsystem logger. The caller wires up the
// backend (console + rotated file) via UseLogger, mirroring how the
// teacher's eacrd-family daemons hand each package a *slog.Logger.
var log = slog.Disabled

// UseLogger sets the subsystem logger used by the pool package.
func UseLogger(logger slog.Logger) {
	log = logger
}
