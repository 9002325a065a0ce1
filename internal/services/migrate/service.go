// Package migrate runs mariadb-upgrade against the freshly installed server.
package migrate

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for schema migration.
type Service interface {
	Upgrade(ctx context.Context, user, password string) (*models.MigrationResult, error)
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

// Impl implements the migrate Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new migrate service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new migrate service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// Upgrade runs mariadb-upgrade and then mariadb-upgrade --force. The forced
// pass always runs after a successful first pass, even when the first one
// reports the data directory as already upgraded.
func (s *Impl) Upgrade(ctx context.Context, user, password string) (*models.MigrationResult, error) {
	start := time.Now()
	result := &models.MigrationResult{}
	env := []string{"MYSQL_PWD=" + password}

	s.logger.Info().Str("user", user).Msg("running mariadb-upgrade")

	output, err := s.executor.ExecuteWithEnv(ctx, env, "mariadb-upgrade", "--user="+user)
	result.FirstOutput = string(output)
	if err != nil {
		result.Error = fmt.Errorf("mariadb-upgrade failed, review the upgrade log: %w: %s", err, tail(output))
		result.Duration = time.Since(start)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	if strings.Contains(result.FirstOutput, "already upgraded") {
		s.logger.Info().Msg("data directory reported as already upgraded, forcing anyway")
	}

	s.logger.Info().Msg("running mariadb-upgrade --force")

	output, err = s.executor.ExecuteWithEnv(ctx, env, "mariadb-upgrade", "--user="+user, "--force")
	result.ForcedOutput = string(output)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("mariadb-upgrade --force failed, review the upgrade log: %w: %s", err, tail(output))
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	s.logger.Info().
		Dur("duration", result.Duration).
		Msg("schema migration completed")

	return result, nil
}

func tail(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
