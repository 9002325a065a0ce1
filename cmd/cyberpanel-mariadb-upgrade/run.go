package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the upgrade",
	Long: `Execute the complete upgrade:
1. Preflight: root, Ubuntu release, CyberPanel present, no other panel
2. Compatibility: MariaDB 10.3.x, free disk, databases, no deprecated config
3. Backup: one mysqldump file per database
4. Offsite copy of the dumps to restic (if configured)
5. Shutdown: slow InnoDB shutdown, stop mariadb.service
6. Package swap: remove MariaDB packages, add the 10.6 repository, install
7. Restart: enable and start mariadb.service
8. mariadb-upgrade, then mariadb-upgrade --force
9. Report the installed version
10. Send Telegram notification (if configured)`,
	Args: cobra.NoArgs,
	RunE: runUpgrade,
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	cfg, err := prepareCommand(configFile, os.Stdout)
	if err != nil {
		return err
	}

	log.Info().
		Str("from", cfg.Source.Version).
		Str("to", cfg.Target.Version).
		Str("backup_dir", cfg.Backup.Dir).
		Msg("configuration loaded")

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, aborting upgrade")
		cancel()
	}()

	runnerSvc := runner.New(log.Logger)
	report, err := runnerSvc.Run(ctx, *cfg)
	if err != nil {
		log.Error().
			Err(err).
			Str("stage", report.FailedStage).
			Str("backup_dir", report.BackupDir).
			Msg("upgrade failed, manual intervention required")
		return err
	}

	log.Info().
		Str("from", report.FromVersion).
		Str("to", report.ToVersion).
		Str("migration_time", report.MigrationTime.Round(time.Second).String()).
		Str("total_time", report.Duration.Round(time.Second).String()).
		Msg("MariaDB upgrade completed")

	return nil
}
