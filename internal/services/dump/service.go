// Package dump writes one logical SQL dump per database with mysqldump.
package dump

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for database dump operations.
type Service interface {
	DumpAll(ctx context.Context, settings models.BackupSettings, user, password string, databases []string) (*models.BackupResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command and writes its stdout to outputPath.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // outputPath is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = output.Close() }()

	var stderr bytes.Buffer
	cmd.Stdout = output
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}

	return output.Sync()
}

// Impl implements the dump Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new dump service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new dump service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// DumpArgs returns the mysqldump arguments for a self-contained dump of db.
func DumpArgs(user, db string) []string {
	return []string{
		"--user=" + user,
		"--single-transaction",
		"--routines",
		"--triggers",
		"--events",
		"--databases", db,
	}
}

// OutputPath returns the dump file for db inside dir.
func OutputPath(dir, db string) string {
	return filepath.Join(dir, db+".sql")
}

// DumpAll dumps each database in order into dir/<db>.sql. The first failure
// stops the run; files already written are kept.
func (s *Impl) DumpAll(
	ctx context.Context,
	settings models.BackupSettings,
	user, password string,
	databases []string,
) (*models.BackupResult, error) {
	start := time.Now()
	result := &models.BackupResult{Dir: settings.Dir}

	if err := os.MkdirAll(settings.Dir, 0o700); err != nil {
		result.Error = fmt.Errorf("failed to create backup directory: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	s.logger.Info().
		Str("dir", settings.Dir).
		Int("databases", len(databases)).
		Msg("starting database backup")

	env := []string{"MYSQL_PWD=" + password}

	for _, db := range databases {
		dump := s.dumpOne(ctx, env, settings.Dir, user, db)
		result.Dumps = append(result.Dumps, dump)

		if dump.Error != nil {
			result.Error = fmt.Errorf("dump of %s failed: %w", db, dump.Error)
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	result.Duration = time.Since(start)

	s.logger.Info().
		Str("dir", settings.Dir).
		Int("files", len(result.Dumps)).
		Str("size", humanize.Bytes(uint64(result.TotalBytes()))). //nolint:gosec // sizes are never negative
		Dur("duration", result.Duration).
		Msg("database backup completed")

	return result, nil
}

func (s *Impl) dumpOne(ctx context.Context, env []string, dir, user, db string) models.DumpResult {
	start := time.Now()
	outputPath := OutputPath(dir, db)
	dump := models.DumpResult{
		Database:   db,
		OutputPath: outputPath,
	}

	s.logger.Debug().Str("database", db).Str("output", outputPath).Msg("dumping database")

	if err := s.executor.ExecuteWithEnv(ctx, env, outputPath, "mysqldump", DumpArgs(user, db)...); err != nil {
		// Clean up partial file
		_ = os.Remove(outputPath)
		dump.Error = err
		dump.Duration = time.Since(start)
		return dump
	}

	if info, err := os.Stat(outputPath); err == nil {
		dump.SizeBytes = info.Size()
	}
	dump.Duration = time.Since(start)

	s.logger.Info().
		Str("database", db).
		Str("output", outputPath).
		Int64("size_bytes", dump.SizeBytes).
		Dur("duration", dump.Duration).
		Msg("database dumped")

	return dump
}
