// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and last successful sync time",
	RunE:  runStatus,
}

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List items that exhausted their retries or were rejected",
	RunE:  runFailed,
}

func init() {
	failedCmd.Flags().Int("limit", 50, "Maximum number of items to list")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failedCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	st, err := a.engine.Status(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("pending:     %d\n", st.Counts.Pending)
	fmt.Printf("in progress: %d\n", st.Counts.InProgress)
	fmt.Printf("retrying:    %d\n", st.Counts.Retry)
	fmt.Printf("failed:      %d\n", st.Counts.Failed)
	fmt.Printf("succeeded:   %d\n", st.Counts.Succeeded)
	if st.LastSyncAt.IsZero() {
		fmt.Println("last sync:   never")
	} else {
		fmt.Printf("last sync:   %s\n", st.LastSyncAt.Local().Format(time.RFC3339))
	}
	return nil
}

func runFailed(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	limit, _ := cmd.Flags().GetInt("limit")
	items, err := a.queue.ListFailed(context.Background(), limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("no failed items")
		return nil
	}
	for _, item := range items {
		fmt.Printf("#%d %s %s %s attempts=%d/%d error=%q\n",
			item.ID, item.EntityType, item.Operation, item.EntityID,
			item.AttemptCount, item.MaxAttempts, item.ErrorMessage)
	}
	return nil
}
