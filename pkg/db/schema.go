package db

// Schema defines the SQLite schema for the build history.
// One row per build run, keyed by its run id.
const Schema = `
CREATE TABLE IF NOT EXISTS builds (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    image_path TEXT NOT NULL,
    image_sha256 TEXT,
    kernel_version TEXT,
    package_name TEXT,
    artifact_path TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'building', 'built', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_builds_status ON builds(status);
CREATE INDEX IF NOT EXISTS idx_builds_created_at ON builds(created_at);
`

// Status constants
const (
	StatusPending  = "pending"
	StatusBuilding = "building"
	StatusBuilt    = "built"
	StatusFailed   = "failed"
)

// Build represents one run of the packaging pipeline
type Build struct {
	ID            int64
	RunID         string
	ImagePath     string
	ImageSHA256   string
	KernelVersion string
	PackageName   string
	ArtifactPath  string
	Status        string
	ErrorMessage  string
	CreatedAt     string
	UpdatedAt     string
}
