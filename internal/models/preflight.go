package models

// OSRelease holds the fields of /etc/os-release the preflight cares about.
type OSRelease struct {
	ID         string
	Name       string
	VersionID  string
	PrettyName string
}

// PreflightResult holds the result of the host validation.
type PreflightResult struct {
	EUID            int
	OS              OSRelease
	PanelFound      bool
	CompetingPanels []string // names of competing panels detected
	Error           error
}

// CompatibilityResult holds the result of the compatibility checks.
type CompatibilityResult struct {
	InstalledVersion string
	FreeBytes        uint64
	DatabaseCount    int
	DeprecatedLines  []string // "path:line: text"
	Error            error
}
