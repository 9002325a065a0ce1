package models

import "time"

// UnitStatus is the structured state of a systemd unit.
type UnitStatus struct {
	Name        string
	LoadState   string
	ActiveState string
	SubState    string
}

// Running reports whether the unit is "active (running)".
func (u UnitStatus) Running() bool {
	return u.ActiveState == "active" && u.SubState == "running"
}

// Inactive reports whether the unit is stopped cleanly.
func (u UnitStatus) Inactive() bool {
	return u.ActiveState == "inactive"
}

// PackageResult holds the result of an apt operation.
type PackageResult struct {
	Packages []string
	Output   string
	Duration time.Duration
	Error    error
}

// MigrationResult holds the result of the two mariadb-upgrade runs.
type MigrationResult struct {
	FirstOutput  string
	ForcedOutput string
	Duration     time.Duration
	Error        error
}

// UpgradeReport summarizes a run for logging and notifications.
type UpgradeReport struct {
	Host          string
	FromVersion   string
	ToVersion     string
	Databases     []string
	BackupDir     string
	BackupBytes   int64
	MigrationTime time.Duration
	StartTime     time.Time
	Duration      time.Duration
	FailedStage   string
	Error         error
}
