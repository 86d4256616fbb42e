// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/pkg/autopilot"
	"github.com/teradata-labs/swarm/pkg/evolution"
	"github.com/teradata-labs/swarm/pkg/types"
)

var autopilotCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run flows unattended, end to end",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}

		issueRef, _ := cmd.Flags().GetString("issue")
		flowNames, _ := cmd.Flags().GetStringSlice("flows")
		policy, _ := cmd.Flags().GetString("evolution-policy")

		var flowKeys []types.FlowKey
		for _, name := range flowNames {
			flowKeys = append(flowKeys, name)
		}

		ctl, err := autopilot.New(autopilot.Config{
			Store:           rt.store,
			Registry:        rt.registry,
			Engine:          rt.engine,
			WorkDir:         viper.GetString("work-dir"),
			EvolutionPolicy: evolution.Policy(policy),
		})
		if err != nil {
			return err
		}

		runID, err := ctl.Start(issueRef, flowKeys, nil)
		if err != nil {
			return err
		}
		fmt.Printf("autopilot run %s\n", runID)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		result, err := ctl.RunToCompletion(ctx, runID)
		if err != nil {
			return err
		}
		fmt.Printf("autopilot %s: %d flows completed, %d failed (%.1fs)\n",
			result.Status, result.FlowsCompleted, result.FlowsFailed,
			float64(result.DurationMs)/1000.0)
		if result.Error != "" {
			return fmt.Errorf("%s", result.Error)
		}
		return nil
	},
}

func init() {
	autopilotCmd.Flags().String("issue", "", "issue reference driving the run")
	autopilotCmd.Flags().StringSlice("flows", nil, "flow keys to run (default: the SDLC flows)")
	autopilotCmd.Flags().String("evolution-policy", string(evolution.SuggestOnly),
		"evolution apply policy (SUGGEST_ONLY, AUTO_APPLY_SAFE, AUTO_APPLY_ALL)")
	rootCmd.AddCommand(autopilotCmd)
}
