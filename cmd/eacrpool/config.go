// Copyright (c) 2019 The Eacred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/nyxstratum/pool/pool"
)

const (
	defaultConfigFilename = "eacrpool.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "eacrpool.log"
	defaultDbFilename     = "pool.db"
)

var (
	defaultHomeDir   = appHomeDir()
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLogDir    = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config is the top-level daemon configuration: everything pool.Config
// needs, plus the process-level settings (config file, log directory)
// that never belong in the library itself.
type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	HomeDir    string `long:"homedir" description:"Directory to store data and logs"`
	LogDir     string `long:"logdir" description:"Directory to log output to"`
	Debug      string `short:"d" long:"debuglevel" default:"info" description:"Logging level: trace, debug, info, warn, error, critical"`

	RawListeners    []string `long:"listener" description:"Repeatable ALGORITHM:PORT:DIFFICULTY[:vardiff] stratum listener"`
	RawCoefficients []string `long:"coefficient" description:"Repeatable ALGORITHM:VALUE network coefficient"`

	pool.Config
}

// parseListener decodes one --listener value of the form
// ALGORITHM:PORT:DIFFICULTY[:vardiff].
func parseListener(raw string) (pool.StratumListenerConfig, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 3 {
		return pool.StratumListenerConfig{}, fmt.Errorf("malformed listener %q, want ALGORITHM:PORT:DIFFICULTY[:vardiff]", raw)
	}
	port, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return pool.StratumListenerConfig{}, fmt.Errorf("malformed listener port in %q: %v", raw, err)
	}
	diff, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return pool.StratumListenerConfig{}, fmt.Errorf("malformed listener difficulty in %q: %v", raw, err)
	}
	lc := pool.StratumListenerConfig{
		Algorithm:         parts[0],
		Port:              uint16(port),
		InitialDifficulty: diff,
		SubmitTargetSpan:  30 * time.Second,
	}
	if len(parts) > 3 && parts[3] == "vardiff" {
		lc.VariableDiff = true
	}
	return lc, nil
}

// parseCoefficient decodes one --coefficient value of the form
// ALGORITHM:VALUE.
func parseCoefficient(raw string) (string, float64, error) {
	parts := strings.SplitN(raw, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed coefficient %q, want ALGORITHM:VALUE", raw)
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed coefficient value in %q: %v", raw, err)
	}
	return parts[0], v, nil
}

func appHomeDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "eacrpool")
}

// loadConfig parses the config file (if present) then command-line flags
// over it, the latter taking priority, in the flags+ini two-pass style the
// teacher's daemon family uses.
func loadConfig() (*config, error) {
	cfg := config{
		HomeDir:    defaultHomeDir,
		ConfigFile: defaultConfigFile,
		LogDir:     defaultLogDir,
	}

	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := preParser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}
	if preCfg.ConfigFile != defaultConfigFile {
		cfg.ConfigFile = preCfg.ConfigFile
	}
	if preCfg.HomeDir != defaultHomeDir {
		cfg.HomeDir = preCfg.HomeDir
		cfg.ConfigFile = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
	}

	if err := os.MkdirAll(cfg.HomeDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create home directory: %v", err)
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("unable to parse config file: %v", err)
		}
	}
	if _, err := parser.Parse(); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if cfg.Config.DatabasePath == "" {
		cfg.Config.DatabasePath = filepath.Join(cfg.HomeDir, defaultDbFilename)
	}

	for _, raw := range cfg.RawListeners {
		lc, err := parseListener(raw)
		if err != nil {
			return nil, err
		}
		cfg.Config.Listeners = append(cfg.Config.Listeners, lc)
	}
	if len(cfg.Config.Listeners) == 0 {
		return nil, fmt.Errorf("no stratum listeners configured")
	}

	if len(cfg.RawCoefficients) > 0 {
		cfg.Config.CoEfficiency = make(map[string]float64, len(cfg.RawCoefficients))
		for _, raw := range cfg.RawCoefficients {
			algo, v, err := parseCoefficient(raw)
			if err != nil {
				return nil, err
			}
			cfg.Config.CoEfficiency[algo] = v
		}
	}

	return &cfg, nil
}
