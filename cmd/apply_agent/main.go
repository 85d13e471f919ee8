// Package main is the entry point for the apply-agent service and CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "apply_agent",
	Short: "Scholarship application answering service",
	Long: `apply-agent fetches a scholarship application page, extracts its
questions, and drafts an answer to each one from the applicant's stored
profile. Runs are asynchronous: submit a URL, poll for status.`,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (optional)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
