// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry [item-id]",
	Short: "Reset failed items to pending",
	Long: `Reset a FAILED queue item (or all of them with --all) back to PENDING
with a fresh attempt budget. The next sync cycle picks them up again.`,
	RunE: runRetry,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old terminal queue items",
	Long: `Delete SUCCESS items older than the retention window. With --failed,
also delete FAILED items that exhausted their attempts and aged out.`,
	RunE: runPurge,
}

func init() {
	retryCmd.Flags().Bool("all", false, "Reset every failed item")
	purgeCmd.Flags().Duration("older-than", 7*24*time.Hour, "Retention window")
	purgeCmd.Flags().Bool("failed", false, "Also purge exhausted failed items")
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(purgeCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	all, _ := cmd.Flags().GetBool("all")
	ctx := context.Background()

	if all {
		n, err := a.queue.RetryAllFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("reset %d failed items\n", n)
		return nil
	}

	if len(args) != 1 {
		return fmt.Errorf("expected an item id (or --all)")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid item id %q", args[0])
	}
	if err := a.queue.Retry(ctx, id); err != nil {
		return err
	}
	fmt.Printf("item %d reset to pending\n", id)
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	olderThan, _ := cmd.Flags().GetDuration("older-than")
	includeFailed, _ := cmd.Flags().GetBool("failed")
	ctx := context.Background()

	n, err := a.queue.PurgeOld(ctx, olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d succeeded items\n", n)

	if includeFailed {
		n, err := a.queue.PurgeFailed(ctx, olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d failed items\n", n)
	}
	return nil
}
