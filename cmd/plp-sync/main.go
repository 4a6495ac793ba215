// Copyright 2025 PLP Attendance Project
// SPDX-License-Identifier: Apache-2.0

// Command plp-sync is the offline-first synchronization daemon for the PLP
// attendance client: it keeps locally captured attendance, leave and user
// records converging with the remote service across intermittent
// connectivity.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
