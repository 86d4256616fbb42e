// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/internal/log"
	"github.com/teradata-labs/swarm/pkg/projection"
	"github.com/teradata-labs/swarm/pkg/runstore"
)

var tailCmd = &cobra.Command{
	Use:   "tail <run-id>",
	Short: "Project a run's journal and print its events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := args[0]
		follow, _ := cmd.Flags().GetBool("follow")
		runsRoot := viper.GetString("runs-root")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dbPath := filepath.Join(runsRoot, "projection.db")
		res, err := projection.NewResilient(ctx, dbPath, runsRoot, log.Logger())
		if err != nil {
			return err
		}
		defer res.Close()

		printed := int64(0)
		printNew := func() error {
			events, err := runstore.ReadRunEvents(runsRoot, runID)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if ev.Seq <= printed {
					continue
				}
				printed = ev.Seq
				fmt.Printf("%s  %-28s  %s %s %s\n", ev.Ts, ev.Kind, ev.FlowKey, ev.StepID, ev.AgentKey)
			}
			return nil
		}

		if !follow {
			if _, err := res.Tailer().TailRun(ctx, runID); err != nil {
				return err
			}
			if err := printNew(); err != nil {
				return err
			}
			fmt.Printf("projected events: %d\n", res.EventCountSafe(ctx, runID))
			return nil
		}

		counts := res.Tailer().WatchRun(ctx, runID, projection.WatchConfig{
			PollInterval:   500 * time.Millisecond,
			StopOnComplete: true,
		})
		for range counts {
			if err := printNew(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().Bool("follow", false, "keep watching until the run completes")
	rootCmd.AddCommand(tailCmd)
}
