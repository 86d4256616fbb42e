// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/pkg/orchestrator"
	"github.com/teradata-labs/swarm/pkg/types"
)

var runCmd = &cobra.Command{
	Use:   "run <flow-key>",
	Short: "Execute one flow in a fresh run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		flowKey := args[0]
		rt, err := buildRuntime()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runID, err := rt.local.Start(ctx, types.RunSpec{
			FlowKeys:  []types.FlowKey{flowKey},
			Backend:   viper.GetString("backend"),
			Initiator: "cli",
		})
		if err != nil {
			return err
		}
		fmt.Printf("run %s\n", runID)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		rt.local.BindCancel(runID, cancel)

		orch, err := orchestrator.New(orchestrator.Config{
			Store:       rt.store,
			Registry:    rt.registry,
			Engine:      rt.engine,
			WorkDir:     viper.GetString("work-dir"),
			CompleteRun: true,
		})
		if err != nil {
			return err
		}

		result, err := orch.RunFlow(ctx, runID, flowKey, "")
		if err != nil {
			return err
		}

		fmt.Printf("flow %s: %s (%d steps, final %s)\n",
			result.FlowKey, result.Status, result.StepsExecuted, result.FinalStep)
		if result.NeedsHuman {
			fmt.Println("needs human attention")
		}
		if result.Error != "" {
			return fmt.Errorf("%s", result.Error)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
