// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

// stoke is a declarative manager for hermetic build and development
// environments.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/spf13/cobra"
	"zombiezen.com/go/bass/sigterm"
	"zombiezen.com/go/log"
)

type globalConfig struct {
	storeDir string
	cacheDB  string
	fetchDir string
	buildDir string
	platform string
	debug    bool

	configFile string

	fileSettings *fileConfig
}

func main() {
	rootCommand := &cobra.Command{
		Use:           "stoke",
		Short:         "declarative hermetic build environments",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	g := new(globalConfig)
	rootCommand.PersistentFlags().StringVar(&g.storeDir, "store", "", "`path` to store directory")
	rootCommand.PersistentFlags().StringVar(&g.cacheDB, "cache-db", "", "`path` to cache database")
	rootCommand.PersistentFlags().StringVar(&g.platform, "platform", "", "target `platform` (defaults to the host)")
	rootCommand.PersistentFlags().StringVar(&g.fetchDir, "fetch-dir", "", "`path` to downloaded source cache")
	rootCommand.PersistentFlags().StringVar(&g.buildDir, "build-dir", "", "`path` to place builders' working directories under")
	rootCommand.PersistentFlags().StringVar(&g.configFile, "config", "", "`path` to configuration file")
	rootCommand.PersistentFlags().BoolVar(&g.debug, "debug", false, "show debugging output")
	rootCommand.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		initLogging(g.debug)
	}
	rootCommand.AddCommand(
		newResolveCommand(g),
		newBuildCommand(g),
		newEnvCommand(g),
		newGCCommand(g),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), sigterm.Signals()...)
	err := rootCommand.ExecuteContext(ctx)
	cancel()
	if err != nil {
		initLogging(false)
		log.Errorf(context.Background(), "%v", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(os.Stderr, "stoke: ", log.StdFlags, nil),
		})
	})
}
