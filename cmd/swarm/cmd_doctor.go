// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teradata-labs/swarm/pkg/runstore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor <run-id>",
	Short: "Validate a run's event journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strict, _ := cmd.Flags().GetBool("strict")

		issues, err := runstore.Doctor(viper.GetString("runs-root"), args[0], strict)
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("journal ok")
			return nil
		}
		for _, issue := range issues {
			fmt.Println(issue.String())
		}
		if runstore.HasErrors(issues) {
			return fmt.Errorf("journal has errors")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().Bool("strict", false, "treat warnings as errors")
	rootCmd.AddCommand(doctorCmd)
}
