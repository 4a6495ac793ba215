// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and exit",
	RunE:  runSyncOnce,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.engine.PerformSync(context.Background())
	if err != nil {
		return err
	}
	if result.SkippedAuth {
		fmt.Println("skipped: no valid credential")
		return nil
	}
	fmt.Printf("uploaded %d, downloaded %d, failed %d (took %s)\n",
		result.Uploaded, result.Downloaded, result.Failed,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	for _, msg := range result.Errors {
		fmt.Printf("phase error: %s\n", msg)
	}
	return nil
}
