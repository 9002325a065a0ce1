package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Run the preflight and compatibility checks only",
	Long:  `Run the host and compatibility checks without backing up or changing anything.`,
	Args:  cobra.NoArgs,
	RunE:  runPreflight,
}

func runPreflight(cmd *cobra.Command, args []string) error {
	cfg, err := prepareCommand(configFile, os.Stdout)
	if err != nil {
		return err
	}

	runnerSvc := runner.New(log.Logger)
	result, err := runnerSvc.Preflight(context.Background(), *cfg)
	if err != nil {
		log.Error().Err(err).Msg("checks failed")
		if result != nil {
			for _, line := range result.DeprecatedLines {
				fmt.Printf("  deprecated: %s\n", line)
			}
		}
		return err
	}

	fmt.Println("All checks passed!")
	fmt.Println()
	fmt.Printf("  Installed version: %s\n", result.InstalledVersion)
	fmt.Printf("  Upgrade path: %s -> %s\n", cfg.Source.Version, cfg.Target.Version)
	fmt.Printf("  Databases: %d\n", result.DatabaseCount)
	fmt.Printf("  Free space on %s: %s\n", cfg.Compat.DiskPath, humanize.IBytes(result.FreeBytes))
	fmt.Printf("  Backup directory: %s\n", cfg.Backup.Dir)

	return nil
}
