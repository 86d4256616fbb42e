// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/internal/log"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Swarm - stepwise flow orchestrator for LLM-driven development",
	Long: `Swarm drives software-development flows step by step: each step runs
in its own engine session, hands off through a committed envelope, and
every transition lands in the run's append-only event journal.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		return log.Setup(debug)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $SWARM_DATA_DIR/swarm.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("runs-root", "", "directory holding run state")
	rootCmd.PersistentFlags().String("flows-dir", "", "directory holding flows.yaml and per-flow step files")
	rootCmd.PersistentFlags().String("work-dir", "", "working tree steps operate on")
	rootCmd.PersistentFlags().String("backend", "local", "run backend")

	for _, name := range []string{"runs-root", "flows-dir", "work-dir", "backend"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(dataDir())
		viper.AddConfigPath(".")
		viper.SetConfigName("swarm")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SWARM")
	viper.AutomaticEnv()

	viper.SetDefault("runs-root", filepath.Join(dataDir(), "runs"))
	viper.SetDefault("flows-dir", filepath.Join(dataDir(), "flows"))
	viper.SetDefault("backend", "local")

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "error reading config %s: %v\n", viper.ConfigFileUsed(), err)
		}
	}
}

// dataDir resolves the swarm data directory, SWARM_DATA_DIR or
// ~/.swarm.
func dataDir() string {
	if dir := os.Getenv("SWARM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarm"
	}
	return filepath.Join(home, ".swarm")
}
