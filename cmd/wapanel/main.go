package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/wapanel/internal/app"
	"github.com/foxzi/wapanel/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wapanel",
	Short: "wapanel - WhatsApp bulk messaging server",
	Long:  `wapanel sends WhatsApp template messages to recipient lists and appointment reminders within the daily provider quota.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and dispatcher",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wapanel version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, app.Options{Version: version})
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  Quota storage: %s\n", cfg.Database.QuotaPath)
	fmt.Printf("  Timezone: %s\n", cfg.Server.Location())
	fmt.Printf("  Daily limit: %d\n", cfg.Quota.DailyLimit)
	fmt.Printf("  Workers: %d\n", cfg.Dispatch.Workers)
	if cfg.WhatsApp.DryRun {
		fmt.Printf("  WhatsApp: dry run\n")
	} else {
		fmt.Printf("  WhatsApp: phone number %s (%s)\n", cfg.WhatsApp.PhoneNumberID, cfg.WhatsApp.APIVersion)
	}
	if cfg.Redis.Addr != "" {
		fmt.Printf("  Redis lock: %s\n", cfg.Redis.Addr)
	}
	if cfg.Events.AMQPURL != "" {
		fmt.Printf("  Events exchange: %s\n", cfg.Events.Exchange)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics: %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}

	return nil
}
