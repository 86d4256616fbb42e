// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/internal/log"
	"github.com/teradata-labs/swarm/pkg/flows"
)

var flowsCmd = &cobra.Command{
	Use:   "flows",
	Short: "List registered flows and their steps",
	RunE: func(cmd *cobra.Command, _ []string) error {
		registry, err := flows.Default(viper.GetString("flows-dir"), log.Logger())
		if err != nil {
			return err
		}

		verbose, _ := cmd.Flags().GetBool("verbose")
		for _, flow := range registry.FlowOrder() {
			marker := " "
			if flow.IsSDLC {
				marker = "*"
			}
			fmt.Printf("%s %d. %-12s %s (%d steps)\n",
				marker, flow.Index, flow.Key, flow.Title, len(flow.Steps))
			if !verbose {
				continue
			}
			for _, step := range flow.Steps {
				kind := "linear"
				if step.Routing != nil {
					kind = string(step.Routing.Kind)
				}
				fmt.Printf("     %d. %-24s %-10s %v\n", step.Index, step.ID, kind, step.Agents)
			}
		}
		fmt.Printf("%d flows, %d steps (* = SDLC)\n", registry.TotalFlows(), registry.TotalSteps())
		return nil
	},
}

func init() {
	flowsCmd.Flags().BoolP("verbose", "v", false, "show steps")
	rootCmd.AddCommand(flowsCmd)
}
