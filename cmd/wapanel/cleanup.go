package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wapanel/internal/repository"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished campaigns and their recipients",
	RunE:  runCleanup,
}

var (
	cleanupDays   int
	cleanupDryRun bool
)

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Delete campaigns finished more than N days ago (default: database.retention_days)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be deleted without actually deleting")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	days := cleanupDays
	if days <= 0 {
		days = cfg.Database.RetentionDays
	}

	if cleanupDryRun {
		fmt.Println("Dry run mode - no data will be deleted")
		fmt.Println()
	}

	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := repository.NewCampaignRepository(database.DB).DeleteOlderThan(context.Background(), cutoff, cleanupDryRun)
	if err != nil {
		return fmt.Errorf("failed to cleanup campaigns: %w", err)
	}

	fmt.Printf("Campaigns finished more than %d days ago: %d\n", days, n)
	if !cleanupDryRun {
		fmt.Println("\nCleanup completed")
	}
	return nil
}
