// Package packages swaps the MariaDB packages through apt and the vendor
// repository setup script.
package packages

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/rs/zerolog"
)

// ErrPackageResidue is returned when family packages are still installed after removal.
var ErrPackageResidue = errors.New("packages still installed")

// maxScriptBytes bounds the size of the downloaded setup script.
const maxScriptBytes = 1 << 20

// aptOptions keep apt from prompting and preserve local configuration files.
var aptOptions = []string{
	"--option=Dpkg::Options::=--force-confold",
	"--assume-yes",
	"--quiet",
}

// Service defines the interface for package operations.
type Service interface {
	Installed(ctx context.Context, family []string) ([]string, error)
	Remove(ctx context.Context, family []string) (*models.PackageResult, error)
	VerifyRemoved(ctx context.Context, family []string) error
	Bootstrap(ctx context.Context, cfg models.BootstrapConfig, targetVersion string) (*models.PackageResult, error)
	Update(ctx context.Context) (*models.PackageResult, error)
	Install(ctx context.Context, packages []string) (*models.PackageResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, env []string, stdin io.Reader, name string, args ...string) ([]byte, error)
}

// HTTPClient interface for mocking HTTP calls in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its combined output.
func (e *DefaultExecutor) Execute(ctx context.Context, env []string, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = stdin
	return cmd.CombinedOutput()
}

// Impl implements the packages Service interface.
type Impl struct {
	executor   CommandExecutor
	httpClient HTTPClient
	logger     zerolog.Logger
}

// New creates a new packages service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor:   &DefaultExecutor{},
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// NewWithDeps creates a new packages service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, executor CommandExecutor, httpClient HTTPClient) *Impl {
	return &Impl{
		executor:   executor,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Installed returns the installed packages whose names start with one of the family prefixes.
func (s *Impl) Installed(ctx context.Context, family []string) ([]string, error) {
	output, err := s.executor.Execute(ctx, nil, nil, "dpkg-query", "-W", "-f=${Package}\t${db:Status-Status}\n")
	if err != nil {
		return nil, fmt.Errorf("dpkg-query failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return ParseInstalled(output, family), nil
}

// ParseInstalled filters dpkg-query "name<TAB>status" lines to installed family members.
func ParseInstalled(output []byte, family []string) []string {
	var installed []string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		name, status, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "\t")
		if !ok || status != "installed" {
			continue
		}
		if inFamily(name, family) {
			installed = append(installed, name)
		}
	}
	return installed
}

// inFamily matches anywhere in the name so libmariadb3 and friends are caught.
func inFamily(name string, family []string) bool {
	for _, pattern := range family {
		if pattern != "" && strings.Contains(name, pattern) {
			return true
		}
	}
	return false
}

// Remove uninstalls every installed family package.
func (s *Impl) Remove(ctx context.Context, family []string) (*models.PackageResult, error) {
	start := time.Now()
	result := &models.PackageResult{}

	installed, err := s.Installed(ctx, family)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}
	result.Packages = installed

	if len(installed) == 0 {
		s.logger.Info().Strs("family", family).Msg("no packages to remove")
		result.Duration = time.Since(start)
		return result, nil
	}

	s.logger.Info().Strs("packages", installed).Msg("removing packages")

	args := append(append([]string{}, aptOptions...), "remove")
	args = append(args, installed...)
	output, err := s.apt(ctx, nil, args...)
	result.Output = string(output)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	s.logger.Info().
		Int("count", len(installed)).
		Dur("duration", result.Duration).
		Msg("packages removed")

	return result, nil
}

// VerifyRemoved fails when any family package is still installed.
func (s *Impl) VerifyRemoved(ctx context.Context, family []string) error {
	installed, err := s.Installed(ctx, family)
	if err != nil {
		return err
	}
	if len(installed) > 0 {
		return fmt.Errorf("%w: %s", ErrPackageResidue, strings.Join(installed, ", "))
	}
	s.logger.Debug().Strs("family", family).Msg("no package residue")
	return nil
}

// Bootstrap downloads the repository setup script and runs it pinned to targetVersion.
func (s *Impl) Bootstrap(ctx context.Context, cfg models.BootstrapConfig, targetVersion string) (*models.PackageResult, error) {
	start := time.Now()
	result := &models.PackageResult{}

	script, err := s.fetchScript(ctx, cfg)
	if err != nil {
		result.Error = err
		result.Duration = time.Since(start)
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	s.logger.Info().
		Str("url", cfg.URL).
		Str("size", humanize.Bytes(uint64(len(script)))).
		Str("version", targetVersion).
		Msg("running repository setup script")

	output, err := s.executor.Execute(ctx, nil, bytes.NewReader(script), "bash", BootstrapArgs(targetVersion)...)
	result.Output = string(output)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("repository setup failed: %w: %s", err, lastLine(output))
		return result, nil
	}

	s.logger.Info().Dur("duration", result.Duration).Msg("repository configured")
	return result, nil
}

// BootstrapArgs returns the bash arguments that run a script from stdin pinned to version.
func BootstrapArgs(version string) []string {
	return []string{"-s", "--", "--mariadb-server-version=mariadb-" + version}
}

func (s *Impl) fetchScript(ctx context.Context, cfg models.BootstrapConfig) ([]byte, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download setup script: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download setup script: HTTP %d", resp.StatusCode)
	}

	script, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read setup script: %w", err)
	}
	if len(script) > maxScriptBytes {
		return nil, fmt.Errorf("setup script exceeds %s", humanize.IBytes(maxScriptBytes))
	}
	if len(script) == 0 {
		return nil, fmt.Errorf("setup script is empty")
	}

	if cfg.SHA256 != "" {
		sum := sha256.Sum256(script)
		if got := hex.EncodeToString(sum[:]); got != cfg.SHA256 {
			return nil, fmt.Errorf("setup script checksum mismatch: got %s, want %s", got, cfg.SHA256)
		}
	}

	return script, nil
}

// Update refreshes the apt package index.
func (s *Impl) Update(ctx context.Context) (*models.PackageResult, error) {
	start := time.Now()
	result := &models.PackageResult{}

	s.logger.Info().Msg("updating package index")

	args := append(append([]string{}, aptOptions...), "update")
	output, err := s.apt(ctx, nil, args...)
	result.Output = string(output)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	return result, nil
}

// Install installs the given packages.
func (s *Impl) Install(ctx context.Context, packages []string) (*models.PackageResult, error) {
	start := time.Now()
	result := &models.PackageResult{Packages: packages}

	if len(packages) == 0 {
		result.Error = fmt.Errorf("no packages to install")
		return result, nil
	}

	s.logger.Info().Strs("packages", packages).Msg("installing packages")

	args := append(append([]string{}, aptOptions...), "install")
	args = append(args, packages...)
	output, err := s.apt(ctx, nil, args...)
	result.Output = string(output)
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return result, nil //nolint:nilerr // error is stored in result struct by design
	}

	s.logger.Info().
		Strs("packages", packages).
		Dur("duration", result.Duration).
		Msg("packages installed")

	return result, nil
}

func (s *Impl) apt(ctx context.Context, stdin io.Reader, args ...string) ([]byte, error) {
	s.logger.Debug().Strs("args", args).Msg("running apt-get")
	output, err := s.executor.Execute(ctx, []string{"DEBIAN_FRONTEND=noninteractive"}, stdin, "apt-get", args...)
	if err != nil {
		return output, fmt.Errorf("apt-get %s failed: %w: %s", aptVerb(args), err, lastLine(output))
	}
	return output, nil
}

func aptVerb(args []string) string {
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}
	return ""
}

// lastLine returns the last non-empty line of command output, which is where
// apt and the setup script print their error.
func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
