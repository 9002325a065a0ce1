// Package compat checks that the installed server can take the upgrade path.
package compat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Compatibility failures.
var (
	ErrNoVersion          = errors.New("could not determine installed MariaDB version")
	ErrUnsupportedVersion = errors.New("unsupported source version")
	ErrInsufficientDisk   = errors.New("insufficient free disk space")
	ErrNoDatabases        = errors.New("no databases found")
	ErrDeprecatedConfig   = errors.New("deprecated configuration found")
)

var versionPattern = regexp.MustCompile(`\d+\.\d+\.\d+`)

// Service defines the interface for compatibility checks.
type Service interface {
	InstalledVersion(ctx context.Context) (string, error)
	Check(ctx context.Context, settings models.CompatSettings, source models.VersionSettings, databases []string) (*models.CompatibilityResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its output.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// DiskStater reports free space for the filesystem holding a path.
type DiskStater interface {
	FreeBytes(path string) (uint64, error)
}

// StatfsDisk uses statfs(2).
type StatfsDisk struct{}

// FreeBytes returns the bytes available to unprivileged users on path's filesystem.
func (StatfsDisk) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil //nolint:gosec // Bsize is never negative
}

// Impl implements the compat Service interface.
type Impl struct {
	executor CommandExecutor
	disk     DiskStater
	logger   zerolog.Logger
}

// New creates a new compat service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		disk:     StatfsDisk{},
		logger:   logger,
	}
}

// NewWithDeps creates a new compat service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, executor CommandExecutor, disk DiskStater) *Impl {
	return &Impl{
		executor: executor,
		disk:     disk,
		logger:   logger,
	}
}

// InstalledVersion asks the client binary for its version. 10.3 ships only
// the mysql name, newer releases ship mariadb too.
func (s *Impl) InstalledVersion(ctx context.Context) (string, error) {
	var lastErr error
	for _, bin := range []string{"mysql", "mariadb"} {
		output, err := s.executor.Execute(ctx, bin, "--version")
		if err != nil {
			s.logger.Debug().Err(err).Str("binary", bin).Msg("version query failed")
			lastErr = err
			continue
		}

		version := ExtractVersion(string(output))
		if version == "" {
			lastErr = fmt.Errorf("no version in %q", strings.TrimSpace(string(output)))
			continue
		}

		s.logger.Debug().Str("binary", bin).Str("version", version).Msg("installed version detected")
		return version, nil
	}

	return "", fmt.Errorf("%w: %w", ErrNoVersion, lastErr)
}

// Check verifies the source version, disk space, database count and
// configuration, stopping at the first failure.
func (s *Impl) Check(
	ctx context.Context,
	settings models.CompatSettings,
	source models.VersionSettings,
	databases []string,
) (*models.CompatibilityResult, error) {
	result := &models.CompatibilityResult{}

	version, err := s.InstalledVersion(ctx)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.InstalledVersion = version

	ok, err := MatchesSeries(version, source.Version)
	if err != nil {
		return nil, err
	}
	if !ok {
		result.Error = fmt.Errorf("%w: installed %s, only %s.x can be upgraded", ErrUnsupportedVersion, version, source.Version)
		return result, nil
	}

	free, err := s.disk.FreeBytes(settings.DiskPath)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.FreeBytes = free

	s.logger.Info().
		Str("path", settings.DiskPath).
		Str("free", humanize.IBytes(free)).
		Str("required", humanize.IBytes(settings.MinFreeBytes)).
		Msg("disk space checked")

	if free < settings.MinFreeBytes {
		result.Error = fmt.Errorf("%w on %s: %s available, %s required", ErrInsufficientDisk,
			settings.DiskPath, humanize.IBytes(free), humanize.IBytes(settings.MinFreeBytes))
		return result, nil
	}

	result.DatabaseCount = len(databases)
	if result.DatabaseCount == 0 {
		result.Error = ErrNoDatabases
		return result, nil
	}

	findings, err := ScanDeprecated(settings.ConfigPaths, settings.DeprecatedMarkers)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.DeprecatedLines = findings
	if len(findings) > 0 {
		for _, f := range findings {
			s.logger.Error().Str("line", f).Msg("deprecated configuration")
		}
		result.Error = fmt.Errorf("%w: %d line(s), remove them before upgrading", ErrDeprecatedConfig, len(findings))
		return result, nil
	}

	s.logger.Info().
		Str("version", version).
		Int("databases", result.DatabaseCount).
		Msg("compatibility checks passed")

	return result, nil
}

// ExtractVersion returns the first dotted triplet in s, or "".
func ExtractVersion(s string) string {
	return versionPattern.FindString(s)
}

// MatchesSeries reports whether version belongs to the major.minor series.
func MatchesSeries(version, series string) (bool, error) {
	constraint, err := semver.NewConstraint("~" + series)
	if err != nil {
		return false, fmt.Errorf("invalid version series %q: %w", series, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, nil //nolint:nilerr // an unparseable version is simply not a match
	}
	return constraint.Check(v), nil
}

// ScanDeprecated returns "path:line: text" for every non-comment line in the
// given files, or *.cnf files below the given directories, that contains
// one of the markers. Missing paths are skipped.
func ScanDeprecated(paths, markers []string) ([]string, error) {
	if len(markers) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(markers))
	for i, m := range markers {
		lowered[i] = strings.ToLower(m)
	}

	var findings []string
	for _, root := range paths {
		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}

		if !info.IsDir() {
			found, err := scanFile(root, lowered)
			if err != nil {
				return nil, err
			}
			findings = append(findings, found...)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || filepath.Ext(path) != ".cnf" {
				return nil
			}
			found, err := scanFile(path, lowered)
			if err != nil {
				return err
			}
			findings = append(findings, found...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", root, err)
		}
	}

	return findings, nil
}

func scanFile(path string, markers []string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var findings []string
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		lower := strings.ToLower(line)
		for _, m := range markers {
			if strings.Contains(lower, m) {
				findings = append(findings, fmt.Sprintf("%s:%d: %s", path, lineNo, line))
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	return findings, nil
}
