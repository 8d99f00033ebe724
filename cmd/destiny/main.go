package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "destiny",
	Short: "Destiny - content-addressed scholarly reference repository",
	Long: `Destiny ingests scholarly references, deduplicates them into
canonical works, and orchestrates external enhancement robots that
enrich the deduplicated records.

A single binary runs the whole node: store, task workers, search
index, robot orchestration and the HTTP API.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Destiny version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("addr", "http://localhost:8550", "Base URL of the Destiny API")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(robotCmd)
	rootCmd.AddCommand(referenceCmd)
}
