// Package preflight validates the host before anything is changed.
package preflight

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"
)

// Preflight failures.
var (
	ErrNotRoot         = errors.New("must be run as root")
	ErrUnsupportedOS   = errors.New("unsupported operating system")
	ErrPanelMissing    = errors.New("CyberPanel installation not found")
	ErrCompetingPanel  = errors.New("conflicting control panel detected")
	ErrOSReleaseFormat = errors.New("malformed os-release file")
)

// Service defines the interface for host validation.
type Service interface {
	Check(ctx context.Context, cfg models.PreflightSettings) (*models.PreflightResult, error)
}

// System abstracts the process and filesystem facts the checks read.
type System interface {
	Geteuid() int
	ReadFile(path string) ([]byte, error)
	Exists(path string) (bool, error)
}

// DefaultSystem reads the real host.
type DefaultSystem struct{}

// Geteuid returns the effective user id of the process.
func (DefaultSystem) Geteuid() int {
	return unix.Geteuid()
}

// ReadFile reads a file from disk.
func (DefaultSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) //nolint:gosec // path comes from configuration
}

// Exists reports whether path exists, following symlinks.
func (DefaultSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Impl implements the preflight Service interface.
type Impl struct {
	system System
	logger zerolog.Logger
}

// New creates a new preflight service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		system: DefaultSystem{},
		logger: logger,
	}
}

// NewWithSystem creates a new preflight service with a custom system (for testing).
func NewWithSystem(logger zerolog.Logger, system System) *Impl {
	return &Impl{
		system: system,
		logger: logger,
	}
}

// Check runs every host check in order and stops at the first failure.
// The privilege check runs before anything else is read.
func (s *Impl) Check(ctx context.Context, cfg models.PreflightSettings) (*models.PreflightResult, error) {
	result := &models.PreflightResult{
		EUID: s.system.Geteuid(),
	}

	if result.EUID != 0 {
		result.Error = fmt.Errorf("%w (effective uid %d)", ErrNotRoot, result.EUID)
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := s.system.ReadFile(cfg.OSReleasePath)
	if err != nil {
		result.Error = fmt.Errorf("%w: reading %s: %w", ErrUnsupportedOS, cfg.OSReleasePath, err)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	release, err := ParseOSRelease(data)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.OS = release

	if err := checkOS(release, cfg); err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	s.logger.Info().
		Str("os", release.PrettyName).
		Str("version", release.VersionID).
		Msg("operating system supported")

	found, err := s.system.Exists(cfg.PanelMarker)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", cfg.PanelMarker, err)
	}
	if !found {
		result.Error = fmt.Errorf("%w: %s does not exist", ErrPanelMissing, cfg.PanelMarker)
		return result, nil
	}
	result.PanelFound = true

	for _, panel := range cfg.CompetingPanels {
		present, err := s.system.Exists(panel.Path)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", panel.Path, err)
		}
		if present {
			s.logger.Debug().Str("panel", panel.Name).Str("path", panel.Path).Msg("competing panel marker found")
			result.CompetingPanels = append(result.CompetingPanels, panel.Name)
		}
	}
	if len(result.CompetingPanels) > 0 {
		result.Error = fmt.Errorf("%w: %s", ErrCompetingPanel, strings.Join(result.CompetingPanels, ", "))
		return result, nil
	}

	s.logger.Info().Msg("preflight checks passed")
	return result, nil
}

func checkOS(release models.OSRelease, cfg models.PreflightSettings) error {
	id := strings.ToLower(release.ID)
	if id == "" {
		id = strings.ToLower(release.Name)
	}
	if id != cfg.OSID {
		return fmt.Errorf("%w: %q, only %s is supported", ErrUnsupportedOS, release.Name, cfg.OSID)
	}

	minimum, err := semver.NewVersion(cfg.MinOSVersion)
	if err != nil {
		return fmt.Errorf("invalid minimum OS version %q: %w", cfg.MinOSVersion, err)
	}
	current, err := semver.NewVersion(release.VersionID)
	if err != nil {
		return fmt.Errorf("%w: cannot parse VERSION_ID %q", ErrUnsupportedOS, release.VersionID)
	}
	if current.LessThan(minimum) {
		return fmt.Errorf("%w: %s %s is older than %s", ErrUnsupportedOS, release.Name, release.VersionID, cfg.MinOSVersion)
	}

	return nil
}

// ParseOSRelease parses the KEY="value" format of os-release(5).
func ParseOSRelease(data []byte) (models.OSRelease, error) {
	v := viper.New()
	v.SetConfigType("env")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return models.OSRelease{}, fmt.Errorf("%w: %w", ErrOSReleaseFormat, err)
	}

	release := models.OSRelease{
		ID:         v.GetString("id"),
		Name:       v.GetString("name"),
		VersionID:  v.GetString("version_id"),
		PrettyName: v.GetString("pretty_name"),
	}
	if release.ID == "" && release.Name == "" {
		return release, fmt.Errorf("%w: neither ID nor NAME is set", ErrOSReleaseFormat)
	}

	return release, nil
}
