package models

import "time"

// OffsiteConfig holds the optional restic repository the backup directory is
// copied to before anything destructive happens.
type OffsiteConfig struct {
	Repository   string
	Password     string
	RestUser     string // optional, for REST server auth
	RestPassword string // optional, for REST server auth
	Tags         []string
	Host         string
}

// OffsiteResult holds the result of a restic backup of the dump directory.
type OffsiteResult struct {
	SnapshotID          string
	FilesNew            int
	DataAdded           int64
	TotalBytesProcessed int64
	Duration            time.Duration
	Error               error
}
