package models

import "time"

// DumpResult holds the result of a single mysqldump run.
type DumpResult struct {
	Database   string
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Error      error
}

// BackupResult holds the result of dumping every database.
type BackupResult struct {
	Dir      string
	Dumps    []DumpResult
	Duration time.Duration
	Error    error
}

// TotalBytes returns the combined size of the successful dumps.
func (r *BackupResult) TotalBytes() int64 {
	var total int64
	for _, d := range r.Dumps {
		if d.Error == nil {
			total += d.SizeBytes
		}
	}
	return total
}
