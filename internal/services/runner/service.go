// Package runner drives the upgrade from preflight to the final report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/compat"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/dump"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/mariadb"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/migrate"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/packages"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/preflight"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/restic"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/systemd"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/services/telegram"
	"github.com/rs/zerolog"
)

// Stage names used in errors and notifications.
const (
	StagePreflight     = "preflight"
	StageCompatibility = "compatibility"
	StageBackup        = "backup"
	StageOffsite       = "offsite"
	StageShutdown      = "shutdown"
	StagePackageSwap   = "package swap"
	StageRestart       = "restart"
	StageUpgrade       = "upgrade"
	StageReport        = "report"
)

// Service defines the interface for the upgrade runner.
type Service interface {
	Run(ctx context.Context, cfg models.UpgradeConfig) (*models.UpgradeReport, error)
	Preflight(ctx context.Context, cfg models.UpgradeConfig) (*models.CompatibilityResult, error)
}

// Services bundles the collaborators of the runner.
type Services struct {
	Preflight preflight.Service
	Compat    compat.Service
	MariaDB   mariadb.Service
	Dump      dump.Service
	Restic    restic.Service
	Systemd   systemd.Service
	Packages  packages.Service
	Migrate   migrate.Service
	Telegram  telegram.Service
}

// Impl implements the runner Service interface.
type Impl struct {
	svc    Services
	logger zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		svc: Services{
			Preflight: preflight.New(logger),
			Compat:    compat.New(logger),
			MariaDB:   mariadb.New(logger),
			Dump:      dump.New(logger),
			Restic:    restic.New(logger),
			Systemd:   systemd.New(logger),
			Packages:  packages.New(logger),
			Migrate:   migrate.New(logger),
			Telegram:  telegram.New(logger),
		},
		logger: logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, svc Services) *Impl {
	return &Impl{
		svc:    svc,
		logger: logger,
	}
}

// stageError records which stage failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s failed: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func fail(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// FailedStage returns the stage name carried by an error returned from Run.
func FailedStage(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

// Preflight runs the host and compatibility gates without changing anything.
func (s *Impl) Preflight(ctx context.Context, cfg models.UpgradeConfig) (*models.CompatibilityResult, error) {
	defer s.svc.MariaDB.Close()

	if err := s.checkHost(ctx, cfg); err != nil {
		return nil, err
	}

	_, databases, err := s.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return s.checkCompat(ctx, cfg, databases)
}

// Run executes the complete upgrade. Any failure stops the run; dumps written
// before the failure are left in place.
//
//nolint:gocognit,gocyclo,funlen // upgrade workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, cfg models.UpgradeConfig) (report *models.UpgradeReport, runErr error) {
	report = &models.UpgradeReport{
		Host:      hostname(),
		ToVersion: cfg.Target.Version,
		BackupDir: cfg.Backup.Dir,
		StartTime: time.Now(),
	}

	s.logger.Info().
		Str("host", report.Host).
		Str("from", cfg.Source.Version).
		Str("to", cfg.Target.Version).
		Msg("starting MariaDB upgrade")

	var snapshotID string
	defer func() {
		report.Duration = time.Since(report.StartTime)
		if runErr != nil {
			report.Error = runErr
			report.FailedStage = FailedStage(runErr)
		}
		if cfg.Telegram != nil {
			s.sendNotification(ctx, *cfg.Telegram, report, snapshotID)
		}
	}()
	defer s.svc.MariaDB.Close()
	defer s.svc.Systemd.Close()

	// Preflight
	if err := s.checkHost(ctx, cfg); err != nil {
		return report, err
	}

	// Compatibility
	password, databases, err := s.connect(ctx, cfg)
	if err != nil {
		return report, err
	}
	compatResult, err := s.checkCompat(ctx, cfg, databases)
	if err != nil {
		return report, err
	}
	report.FromVersion = compatResult.InstalledVersion
	report.Databases = databases

	// Backup
	backupResult, err := s.svc.Dump.DumpAll(ctx, cfg.Backup, cfg.Database.User, password, databases)
	if err != nil {
		return report, fail(StageBackup, err)
	}
	report.BackupBytes = backupResult.TotalBytes()
	if backupResult.Error != nil {
		return report, fail(StageBackup, backupResult.Error)
	}

	s.logger.Info().
		Int("files", len(backupResult.Dumps)).
		Str("dir", backupResult.Dir).
		Str("size", humanize.IBytes(uint64(report.BackupBytes))). //nolint:gosec // sizes are never negative
		Msg("backup completed")

	// Offsite copy of the dumps
	if cfg.Offsite != nil {
		id, err := s.runOffsite(ctx, *cfg.Offsite, backupResult.Dir)
		if err != nil {
			return report, fail(StageOffsite, err)
		}
		snapshotID = id
	}

	// Shutdown
	if err := s.shutdown(ctx, cfg); err != nil {
		return report, fail(StageShutdown, err)
	}

	// PackageSwap
	if err := s.swapPackages(ctx, cfg); err != nil {
		return report, fail(StagePackageSwap, err)
	}

	// Restart
	status, err := s.svc.Systemd.EnableAndStart(ctx, cfg.Service.Unit)
	if err != nil {
		return report, fail(StageRestart, err)
	}
	s.logger.Info().
		Str("unit", status.Name).
		Str("state", status.ActiveState+" ("+status.SubState+")").
		Msg("service restarted")

	// Upgrade and ForceUpgrade
	migration, err := s.svc.Migrate.Upgrade(ctx, cfg.Database.User, password)
	if err != nil {
		return report, fail(StageUpgrade, err)
	}
	report.MigrationTime = migration.Duration
	if migration.Error != nil {
		return report, fail(StageUpgrade, migration.Error)
	}

	s.logger.Info().
		Str("elapsed", migration.Duration.Round(time.Second).String()).
		Msg("mariadb-upgrade finished")

	// Report
	version, err := s.svc.Compat.InstalledVersion(ctx)
	if err != nil {
		return report, fail(StageReport, err)
	}
	report.ToVersion = version

	if !strings.HasPrefix(version, cfg.Target.Version+".") {
		s.logger.Warn().
			Str("installed", version).
			Str("expected", cfg.Target.Version+".x").
			Msg("installed version does not match the target series")
	}

	s.logger.Info().
		Str("from", report.FromVersion).
		Str("to", version).
		Str("backup_dir", report.BackupDir).
		Dur("duration", time.Since(report.StartTime)).
		Msg("upgrade completed, verify your data and applications manually")

	return report, nil
}

func (s *Impl) checkHost(ctx context.Context, cfg models.UpgradeConfig) error {
	result, err := s.svc.Preflight.Check(ctx, cfg.Preflight)
	if err != nil {
		return fail(StagePreflight, err)
	}
	if result.Error != nil {
		return fail(StagePreflight, result.Error)
	}

	s.logger.Info().
		Str("os", result.OS.PrettyName).
		Msg("preflight checks passed")

	return nil
}

// connect reads the credential, opens the database and lists the databases.
func (s *Impl) connect(ctx context.Context, cfg models.UpgradeConfig) (string, []string, error) {
	password, err := mariadb.ReadCredential(cfg.Database.CredentialPath)
	if err != nil {
		return "", nil, fail(StageCompatibility, err)
	}

	if err := s.svc.MariaDB.Connect(ctx, cfg.Database, password); err != nil {
		return "", nil, fail(StageCompatibility, err)
	}

	if version, err := s.svc.MariaDB.ServerVersion(ctx); err == nil {
		s.logger.Info().Str("server_version", version).Msg("connected to database")
	}

	databases, err := s.svc.MariaDB.ListDatabases(ctx, cfg.Backup.Exclude)
	if err != nil {
		return "", nil, fail(StageCompatibility, err)
	}

	return password, databases, nil
}

func (s *Impl) checkCompat(ctx context.Context, cfg models.UpgradeConfig, databases []string) (*models.CompatibilityResult, error) {
	result, err := s.svc.Compat.Check(ctx, cfg.Compat, cfg.Source, databases)
	if err != nil {
		return nil, fail(StageCompatibility, err)
	}
	if result.Error != nil {
		return result, fail(StageCompatibility, result.Error)
	}
	return result, nil
}

func (s *Impl) runOffsite(ctx context.Context, cfg models.OffsiteConfig, dir string) (string, error) {
	if err := s.svc.Restic.Init(ctx, cfg); err != nil {
		return "", err
	}

	result, err := s.svc.Restic.Backup(ctx, cfg, dir)
	if err != nil {
		return "", err
	}
	if result.Error != nil {
		return "", result.Error
	}

	return result.SnapshotID, nil
}

func (s *Impl) shutdown(ctx context.Context, cfg models.UpgradeConfig) error {
	prepared, err := s.svc.MariaDB.PrepareShutdown(ctx)
	if err != nil {
		return err
	}
	if prepared > 0 {
		s.logger.Warn().Int("xa_transactions", prepared).Msg("prepared XA transactions will be rolled back by the upgrade")
	}

	if err := s.svc.MariaDB.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("closing database connection")
	}

	if _, err := s.svc.Systemd.Stop(ctx, cfg.Service.Unit); err != nil {
		return err
	}

	return nil
}

func (s *Impl) swapPackages(ctx context.Context, cfg models.UpgradeConfig) error {
	removed, err := s.svc.Packages.Remove(ctx, cfg.Packages.Family)
	if err != nil {
		return err
	}
	if removed.Error != nil {
		return removed.Error
	}

	if err := s.svc.Packages.VerifyRemoved(ctx, cfg.Packages.Family); err != nil {
		return err
	}

	steps := []func() (*models.PackageResult, error){
		func() (*models.PackageResult, error) {
			return s.svc.Packages.Bootstrap(ctx, cfg.Bootstrap, cfg.Target.Version)
		},
		func() (*models.PackageResult, error) { return s.svc.Packages.Update(ctx) },
		func() (*models.PackageResult, error) { return s.svc.Packages.Install(ctx, cfg.Packages.Install) },
	}
	for _, step := range steps {
		result, err := step()
		if err != nil {
			return err
		}
		if result.Error != nil {
			return result.Error
		}
	}

	return nil
}

func (s *Impl) sendNotification(ctx context.Context, cfg models.TelegramConfig, report *models.UpgradeReport, snapshotID string) {
	msg := models.TelegramMessage{
		Success:       report.Error == nil,
		Host:          report.Host,
		StartTime:     report.StartTime,
		Duration:      report.Duration,
		FromVersion:   report.FromVersion,
		ToVersion:     report.ToVersion,
		Databases:     len(report.Databases),
		BackupDir:     report.BackupDir,
		BackupBytes:   report.BackupBytes,
		SnapshotID:    snapshotID,
		MigrationTime: report.MigrationTime,
	}
	if report.Error != nil {
		msg.FailedStage = report.FailedStage
		msg.ErrorMessage = report.Error.Error()
	}

	// The run context may already be cancelled; the notification still goes out.
	ctx = context.WithoutCancel(ctx)

	result, err := s.svc.Telegram.SendNotification(ctx, cfg, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
