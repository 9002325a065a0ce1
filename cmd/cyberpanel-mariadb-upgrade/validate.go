package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file (or the built-in defaults) without touching the server.`,
	Args:  cobra.NoArgs,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Upgrade: %s -> %s\n", cfg.Source.Version, cfg.Target.Version)
	fmt.Printf("  Supported OS: %s >= %s\n", cfg.Preflight.OSID, cfg.Preflight.MinOSVersion)
	fmt.Printf("  Panel marker: %s\n", cfg.Preflight.PanelMarker)
	fmt.Printf("  Credential file: %s\n", cfg.Database.CredentialPath)
	fmt.Printf("  Backup directory: %s\n", cfg.Backup.Dir)
	fmt.Printf("  Excluded schemas: %v\n", cfg.Backup.Exclude)
	fmt.Printf("  Minimum free space: %s on %s\n", humanize.IBytes(cfg.Compat.MinFreeBytes), cfg.Compat.DiskPath)
	fmt.Printf("  Service unit: %s\n", cfg.Service.Unit)
	fmt.Printf("  Removed packages: %v*\n", cfg.Packages.Family)
	fmt.Printf("  Installed packages: %v\n", cfg.Packages.Install)
	fmt.Printf("  Repository setup: %s\n", cfg.Bootstrap.URL)
	if cfg.Bootstrap.SHA256 != "" {
		fmt.Printf("  Setup checksum: %s\n", cfg.Bootstrap.SHA256)
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Offsite copy: %v\n", cfg.Offsite != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Log file: %v\n", cfg.Log.File != "" || logFile != "")

	if cfg.Offsite != nil {
		fmt.Println()
		fmt.Println("Offsite Configuration:")
		fmt.Printf("  Repository: %s\n", cfg.Offsite.Repository)
		fmt.Printf("  Host: %s\n", cfg.Offsite.Host)
		fmt.Printf("  Tags: %v\n", cfg.Offsite.Tags)
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
