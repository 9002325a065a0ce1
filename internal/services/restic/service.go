// Package restic copies the dump directory to an offsite restic repository.
package restic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for restic operations.
type Service interface {
	Init(ctx context.Context, cfg models.OffsiteConfig) error
	Backup(ctx context.Context, cfg models.OffsiteConfig, dir string) (*models.OffsiteResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs a command with additional environment variables.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new restic service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new restic service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

func (s *Impl) buildEnv(cfg models.OffsiteConfig) []string {
	env := []string{
		fmt.Sprintf("RESTIC_REPOSITORY=%s", cfg.Repository),
		fmt.Sprintf("RESTIC_PASSWORD=%s", cfg.Password),
	}

	if cfg.RestUser != "" {
		env = append(env, fmt.Sprintf("RESTIC_REST_USERNAME=%s", cfg.RestUser))
	}
	if cfg.RestPassword != "" {
		env = append(env, fmt.Sprintf("RESTIC_REST_PASSWORD=%s", cfg.RestPassword))
	}

	return env
}

// Init initializes the repository unless it already exists.
func (s *Impl) Init(ctx context.Context, cfg models.OffsiteConfig) error {
	s.logger.Info().Str("repository", cfg.Repository).Msg("checking offsite repository")

	env := s.buildEnv(cfg)

	if _, err := s.executor.ExecuteWithEnv(ctx, env, "restic", "cat", "config"); err == nil {
		s.logger.Debug().Msg("repository already initialized")
		return nil
	}

	s.logger.Info().Msg("initializing repository")
	output, err := s.executor.ExecuteWithEnv(ctx, env, "restic", "init")
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w, output: %s", err, string(output))
	}

	s.logger.Info().Msg("repository initialized")
	return nil
}

// backupSummary is the summary line of restic backup --json output.
type backupSummary struct {
	MessageType         string `json:"message_type"`
	FilesNew            int    `json:"files_new"`
	DataAdded           int64  `json:"data_added"`
	TotalBytesProcessed int64  `json:"total_bytes_processed"`
	SnapshotID          string `json:"snapshot_id"`
}

// BackupArgs returns the restic arguments for a snapshot of dir.
func BackupArgs(cfg models.OffsiteConfig, dir string) []string {
	args := []string{"backup", "--json"}
	if cfg.Host != "" {
		args = append(args, "--host", cfg.Host)
	}
	for _, tag := range cfg.Tags {
		args = append(args, "--tag", tag)
	}
	return append(args, dir)
}

// Backup snapshots dir into the repository.
func (s *Impl) Backup(ctx context.Context, cfg models.OffsiteConfig, dir string) (*models.OffsiteResult, error) {
	s.logger.Info().Str("dir", dir).Strs("tags", cfg.Tags).Msg("starting offsite backup")

	start := time.Now()
	output, err := s.executor.ExecuteWithEnv(ctx, s.buildEnv(cfg), "restic", BackupArgs(cfg, dir)...)
	if err != nil {
		return &models.OffsiteResult{
			Duration: time.Since(start),
			Error:    fmt.Errorf("offsite backup failed: %w, output: %s", err, string(output)),
		}, nil
	}

	summary, ok := parseSummary(output)
	if !ok {
		s.logger.Warn().Msg("restic output contained no summary")
	}

	result := &models.OffsiteResult{
		SnapshotID:          summary.SnapshotID,
		FilesNew:            summary.FilesNew,
		DataAdded:           summary.DataAdded,
		TotalBytesProcessed: summary.TotalBytesProcessed,
		Duration:            time.Since(start),
	}

	s.logger.Info().
		Str("snapshot_id", result.SnapshotID).
		Int("files_new", result.FilesNew).
		Str("data_added", humanize.Bytes(uint64(result.DataAdded))). //nolint:gosec // restic never reports negative sizes
		Dur("duration", result.Duration).
		Msg("offsite backup completed")

	return result, nil
}

// parseSummary finds the summary message in restic's JSON lines output.
func parseSummary(output []byte) (backupSummary, bool) {
	var summary backupSummary
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var msg struct {
			MessageType string `json:"message_type"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.MessageType == "summary" {
			if err := json.Unmarshal(line, &summary); err != nil {
				return summary, false
			}
			return summary, true
		}
	}
	return summary, false
}
