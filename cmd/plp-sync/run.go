// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the auto-sync daemon",
	Long: `Start the periodic sync timer and keep it running until the process
receives SIGINT or SIGTERM. Items left in flight by a previous crash are
reclaimed before the first cycle.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := buildApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.engine.StartAutoSync(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	a.logger.Info("shutting down")
	a.engine.StopSync()
	return nil
}
