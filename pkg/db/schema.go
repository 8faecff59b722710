package db

// Schema defines the SQLite schema for the clone-run catalog. One row
// per transaction driven to Begin, updated as it finishes or fails.
const Schema = `
CREATE TABLE IF NOT EXISTS clone_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    domain TEXT NOT NULL,
    dest_dir TEXT NOT NULL,
    workdir TEXT,
    disk_only INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL CHECK(status IN ('running', 'finished', 'cleanup-failed', 'failed')),
    disk_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_clone_runs_domain ON clone_runs(domain);
CREATE INDEX IF NOT EXISTS idx_clone_runs_status ON clone_runs(status);
CREATE INDEX IF NOT EXISTS idx_clone_runs_started_at ON clone_runs(started_at);
`

// Run status constants
const (
	StatusRunning = "running"

	// StatusFinished means commit and cleanup both succeeded.
	StatusFinished = "finished"

	// StatusCleanupFailed means the data committed but one or more
	// delta files were left behind.
	StatusCleanupFailed = "cleanup-failed"

	StatusFailed = "failed"
)

// Run represents one clone attempt against a domain
type Run struct {
	ID           int64
	Domain       string
	DestDir      string
	Workdir      string
	DiskOnly     bool
	Status       string
	DiskCount    int
	ErrorMessage string
	StartedAt    string
	FinishedAt   string
}
