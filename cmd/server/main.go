// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the switchAIFlow server.
// The server routes generative AI tasks across model backends with credential
// rotation and fallback, and runs multi-step chains on top of them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	gojson "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/switchAIFlow/internal/buildinfo"
	"github.com/traylinx/switchAIFlow/internal/chain"
	"github.com/traylinx/switchAIFlow/internal/config"
	"github.com/traylinx/switchAIFlow/internal/logging"
	"github.com/traylinx/switchAIFlow/internal/planner"
	"github.com/traylinx/switchAIFlow/internal/task"
	"github.com/traylinx/switchAIFlow/sdk/switchaiflow"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = "config.yaml"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "hooks" {
		handleHooksCommand(os.Args[2:])
		return
	}

	fmt.Printf("switchAIFlow Version: %s, Commit: %s, BuiltAt: %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)

	var configPath string
	var chainPath string
	var planGoal string
	var ownerID string

	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure File Path")
	flag.StringVar(&chainPath, "chain", "", "Run the chain definition at this path once and exit")
	flag.StringVar(&planGoal, "plan", "", "Print the chain planned for this goal and exit")
	flag.StringVar(&ownerID, "owner", "cli", "Owner ID used for -chain runs")
	flag.Parse()

	if wd, err := os.Getwd(); err == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil && !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := switchaiflow.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	switch {
	case planGoal != "":
		err = printJSON(svc.Planner().Plan(ctx, planner.Request{Goal: planGoal}))
		_ = svc.Shutdown(context.Background())
	case chainPath != "":
		err = runChain(ctx, svc, chainPath, ownerID)
		_ = svc.Shutdown(context.Background())
	default:
		err = svc.Run(ctx)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads the YAML file, tolerating its absence only for the default
// path, then applies environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigOptional(path, path == DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	overrides, err := config.ParseEnv()
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(overrides)
	return cfg, nil
}

func runChain(ctx context.Context, svc *switchaiflow.Service, path, ownerID string) error {
	c, err := chain.LoadDefinition(path)
	if err != nil {
		return err
	}
	results, err := svc.ExecuteChain(ctx, ownerID, c)
	if err != nil {
		var stepErr *task.StepError
		if errors.As(err, &stepErr) {
			return fmt.Errorf("chain %s failed at step %d (task %s): %w", c.ID, stepErr.Index, stepErr.TaskID, stepErr.Err)
		}
		return err
	}
	return printJSON(map[string]any{"chain": c, "results": results})
}

func printJSON(v any) error {
	out, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
