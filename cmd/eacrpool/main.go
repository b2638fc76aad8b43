// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nyxstratum/pool/pool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backendLog, logRotator, err := initLogging(cfg.LogDir)
	if err != nil {
		return err
	}
	defer logRotator.Close()
	useLoggers(backendLog)
	cfg.applyDebugLevel()

	poolLog.Infof("eacrpool starting, database %s", cfg.DatabasePath)

	p, err := pool.New(&cfg.Config)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		poolLog.Infof("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		return err
	}
	poolLog.Info("eacrpool shutdown complete")
	return nil
}
