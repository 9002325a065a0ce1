// Package models contains the data structures used throughout cyberpanel-mariadb-upgrade.
package models

import "time"

// UpgradeConfig holds the complete configuration for an upgrade run.
type UpgradeConfig struct {
	Preflight PreflightSettings
	Source    VersionSettings
	Target    VersionSettings
	Compat    CompatSettings
	Database  DatabaseConfig
	Backup    BackupSettings
	Service   ServiceSettings
	Packages  PackageSettings
	Bootstrap BootstrapConfig
	Log       LogSettings
	Offsite   *OffsiteConfig  // nil if not configured
	Telegram  *TelegramConfig // nil if not configured
}

// PreflightSettings describes the host the upgrade is allowed to run on.
type PreflightSettings struct {
	OSReleasePath   string
	OSID            string
	MinOSVersion    string
	PanelMarker     string
	CompetingPanels []PanelMarker
}

// PanelMarker is a filesystem path whose presence signals an installed panel.
type PanelMarker struct {
	Name string
	Path string
}

// VersionSettings holds a major.minor MariaDB release line, e.g. "10.6".
type VersionSettings struct {
	Version string
}

// CompatSettings holds the compatibility checker thresholds.
type CompatSettings struct {
	DiskPath          string
	MinFreeBytes      uint64
	ConfigPaths       []string
	DeprecatedMarkers []string
}

// DatabaseConfig holds how to reach the running server.
type DatabaseConfig struct {
	CredentialPath string
	User           string
	Socket         string // preferred over Host/Port when set
	Host           string
	Port           int
}

// BackupSettings holds where and what to dump.
type BackupSettings struct {
	Dir     string
	Exclude []string
}

// ServiceSettings names the systemd unit of the database server.
type ServiceSettings struct {
	Unit string
}

// PackageSettings holds the apt package names involved in the swap.
type PackageSettings struct {
	Family  []string // name substrings of the packages to remove
	Install []string
}

// BootstrapConfig holds the vendor repository setup script location.
type BootstrapConfig struct {
	URL     string
	SHA256  string // optional, hex encoded
	Timeout time.Duration
}

// LogSettings holds optional file logging.
type LogSettings struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}
