package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for an upgrade notification.
type TelegramMessage struct {
	Success   bool
	Host      string
	StartTime time.Time
	Duration  time.Duration

	// Versions.
	FromVersion string
	ToVersion   string

	// Backup stats.
	Databases   int
	BackupDir   string
	BackupBytes int64
	SnapshotID  string // offsite snapshot, if any

	// Migration stats (if successful).
	MigrationTime time.Duration

	// Error info (if failed).
	ErrorMessage string
	FailedStage  string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
