package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/apply-agent/internal/config"
	"github.com/jonathan/apply-agent/internal/logging"
)

var (
	submitURL    string
	submitUserID string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Run the pipeline once for a single application URL",
	Long: `Fetch one application page, extract its questions, generate answers,
and print the resulting run status as JSON. Useful for local testing
without the HTTP server.`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitURL, "url", "u", "", "Application page URL (required)")
	submitCmd.Flags().StringVar(&submitUserID, "user-id", "", "Applicant user ID (defaults to a fresh UUID)")
	_ = submitCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	userID := uuid.New()
	if submitUserID != "" {
		userID, err = uuid.Parse(submitUserID)
		if err != nil {
			return fmt.Errorf("--user-id must be a UUID: %w", err)
		}
	}

	ctx := context.Background()
	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.close()

	run, err := comps.store.CreateRun(ctx, userID, submitURL)
	if err != nil {
		return err
	}
	if err := comps.orch.Drive(ctx, run.ID); err != nil {
		return err
	}

	status, err := comps.store.RunStatus(ctx, run.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
