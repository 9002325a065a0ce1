// Package config provides configuration file parsing.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/fgeck/cyberpanel-mariadb-upgrade/internal/models"
	"github.com/spf13/viper"
)

// DefaultMinFreeBytes is the free space required on the root filesystem.
const DefaultMinFreeBytes uint64 = 5 << 30

// DefaultCompetingPanels lists control panels that cannot coexist with CyberPanel.
var DefaultCompetingPanels = []models.PanelMarker{
	{Name: "cPanel", Path: "/usr/local/cpanel"},
	{Name: "DirectAdmin", Path: "/usr/local/directadmin"},
	{Name: "Plesk", Path: "/usr/local/psa"},
	{Name: "HestiaCP", Path: "/usr/local/hestia"},
	{Name: "VestaCP", Path: "/usr/local/vesta"},
	{Name: "ISPConfig", Path: "/usr/local/ispconfig"},
	{Name: "aaPanel", Path: "/www/server/panel"},
}

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return &Parser{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("preflight.os_release_path", "/etc/os-release")
	v.SetDefault("preflight.os_id", "ubuntu")
	v.SetDefault("preflight.min_os_version", "20.04")
	v.SetDefault("preflight.panel_marker", "/usr/local/CyberCP")

	v.SetDefault("source.version", "10.3")
	v.SetDefault("target.version", "10.6")

	v.SetDefault("compat.disk_path", "/")
	v.SetDefault("compat.config_paths", []string{
		"/etc/mysql/my.cnf",
		"/etc/mysql/conf.d",
		"/etc/mysql/mariadb.conf.d",
		"/etc/my.cnf",
		"/etc/my.cnf.d",
	})
	v.SetDefault("compat.deprecated_markers", []string{"deprecated"})

	v.SetDefault("database.credential_path", "/etc/cyberpanel/mysqlPassword")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.socket", "/var/run/mysqld/mysqld.sock")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)

	v.SetDefault("backup.dir", "/root/mariadb_backups")
	v.SetDefault("backup.exclude", []string{"information_schema", "performance_schema", "sys"})

	v.SetDefault("service.unit", "mariadb.service")

	v.SetDefault("packages.family", []string{"mariadb", "galera"})
	v.SetDefault("packages.install", []string{"mariadb-server", "libmariadb-dev"})

	v.SetDefault("bootstrap.url", "https://r.mariadb.com/downloads/mariadb_repo_setup")
	v.SetDefault("bootstrap.timeout", 2*time.Minute)

	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.UpgradeConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.UpgradeConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

// Defaults returns the built-in configuration used when no file is given.
func (p *Parser) Defaults() (*models.UpgradeConfig, error) {
	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.UpgradeConfig, error) {
	cfg := &models.UpgradeConfig{}

	cfg.Preflight = models.PreflightSettings{
		OSReleasePath: p.v.GetString("preflight.os_release_path"),
		OSID:          strings.ToLower(p.v.GetString("preflight.os_id")),
		MinOSVersion:  p.v.GetString("preflight.min_os_version"),
		PanelMarker:   p.v.GetString("preflight.panel_marker"),
	}

	// Competing panels: a list of {name, path} maps overrides the defaults.
	if p.v.IsSet("preflight.competing_panels") {
		var panels []models.PanelMarker
		if err := p.v.UnmarshalKey("preflight.competing_panels", &panels); err != nil {
			return nil, fmt.Errorf("preflight.competing_panels: %w", err)
		}
		for _, panel := range panels {
			if panel.Path == "" {
				return nil, fmt.Errorf("preflight.competing_panels: path is required for %q", panel.Name)
			}
		}
		cfg.Preflight.CompetingPanels = panels
	} else {
		cfg.Preflight.CompetingPanels = append([]models.PanelMarker(nil), DefaultCompetingPanels...)
	}

	cfg.Source = models.VersionSettings{Version: p.v.GetString("source.version")}
	cfg.Target = models.VersionSettings{Version: p.v.GetString("target.version")}

	cfg.Compat = models.CompatSettings{
		DiskPath:          p.v.GetString("compat.disk_path"),
		MinFreeBytes:      DefaultMinFreeBytes,
		ConfigPaths:       p.v.GetStringSlice("compat.config_paths"),
		DeprecatedMarkers: p.v.GetStringSlice("compat.deprecated_markers"),
	}
	if p.v.IsSet("compat.min_free_bytes") {
		cfg.Compat.MinFreeBytes = uint64(p.v.GetSizeInBytes("compat.min_free_bytes"))
	}

	cfg.Database = models.DatabaseConfig{
		CredentialPath: p.expandEnv(p.v.GetString("database.credential_path")),
		User:           p.v.GetString("database.user"),
		Socket:         p.v.GetString("database.socket"),
		Host:           p.v.GetString("database.host"),
		Port:           p.v.GetInt("database.port"),
	}

	cfg.Backup = models.BackupSettings{
		Dir:     p.expandEnv(p.v.GetString("backup.dir")),
		Exclude: p.v.GetStringSlice("backup.exclude"),
	}

	cfg.Service = models.ServiceSettings{Unit: p.v.GetString("service.unit")}
	if cfg.Service.Unit != "" && !strings.Contains(cfg.Service.Unit, ".") {
		cfg.Service.Unit += ".service"
	}

	cfg.Packages = models.PackageSettings{
		Family:  p.v.GetStringSlice("packages.family"),
		Install: p.v.GetStringSlice("packages.install"),
	}

	cfg.Bootstrap = models.BootstrapConfig{
		URL:     p.v.GetString("bootstrap.url"),
		SHA256:  strings.ToLower(p.v.GetString("bootstrap.sha256")),
		Timeout: p.v.GetDuration("bootstrap.timeout"),
	}

	cfg.Log = models.LogSettings{
		File:       p.expandEnv(p.v.GetString("log.file")),
		MaxSizeMB:  p.v.GetInt("log.max_size_mb"),
		MaxBackups: p.v.GetInt("log.max_backups"),
	}

	// Parse optional offsite (restic) config.
	if p.v.IsSet("offsite") {
		cfg.Offsite = &models.OffsiteConfig{
			Repository:   p.expandEnv(p.v.GetString("offsite.repository")),
			Password:     p.expandEnv(p.v.GetString("offsite.password")),
			RestUser:     p.expandEnv(p.v.GetString("offsite.rest_user")),
			RestPassword: p.expandEnv(p.v.GetString("offsite.rest_password")),
			Tags:         p.v.GetStringSlice("offsite.tags"),
			Host:         p.v.GetString("offsite.host"),
		}

		if cfg.Offsite.Repository == "" {
			return nil, fmt.Errorf("offsite.repository is required when offsite is configured")
		}
		if cfg.Offsite.Password == "" {
			return nil, fmt.Errorf("offsite.password is required when offsite is configured")
		}
		if len(cfg.Offsite.Tags) == 0 {
			cfg.Offsite.Tags = []string{"mariadb-upgrade"}
		}
		if cfg.Offsite.Host == "" {
			hostname, err := os.Hostname()
			if err != nil {
				cfg.Offsite.Host = "unknown"
			} else {
				cfg.Offsite.Host = hostname
			}
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
//
//nolint:gocyclo // one check per field
func Validate(cfg *models.UpgradeConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Preflight.OSReleasePath == "" {
		return fmt.Errorf("preflight.os_release_path is required")
	}
	if _, err := semver.NewVersion(cfg.Preflight.MinOSVersion); err != nil {
		return fmt.Errorf("preflight.min_os_version %q is not a version: %w", cfg.Preflight.MinOSVersion, err)
	}

	source, err := semver.NewVersion(cfg.Source.Version)
	if err != nil {
		return fmt.Errorf("source.version %q is not a version: %w", cfg.Source.Version, err)
	}
	target, err := semver.NewVersion(cfg.Target.Version)
	if err != nil {
		return fmt.Errorf("target.version %q is not a version: %w", cfg.Target.Version, err)
	}
	if !target.GreaterThan(source) {
		return fmt.Errorf("target.version %s must be newer than source.version %s", cfg.Target.Version, cfg.Source.Version)
	}

	if cfg.Database.CredentialPath == "" {
		return fmt.Errorf("database.credential_path is required")
	}
	if cfg.Database.Socket == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.socket or database.host is required")
	}

	if cfg.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is required")
	}

	if cfg.Service.Unit == "" {
		return fmt.Errorf("service.unit is required")
	}

	if len(cfg.Packages.Family) == 0 {
		return fmt.Errorf("packages.family is required")
	}
	if len(cfg.Packages.Install) == 0 {
		return fmt.Errorf("packages.install is required")
	}

	if !strings.HasPrefix(cfg.Bootstrap.URL, "https://") {
		return fmt.Errorf("bootstrap.url must use https")
	}
	if cfg.Bootstrap.SHA256 != "" {
		if b, err := hex.DecodeString(cfg.Bootstrap.SHA256); err != nil || len(b) != 32 {
			return fmt.Errorf("bootstrap.sha256 must be a hex encoded SHA-256 digest")
		}
	}

	return nil
}
