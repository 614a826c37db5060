package db

// Schema defines the SQLite ledger schema. artifacts tracks every destination
// the worker has tried to materialize; jobs tracks every workflow execution and
// its correlation prefix, so abandoned outputs can be swept later.
const Schema = `
CREATE TABLE IF NOT EXISTS artifacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    destination TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    link TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'downloading', 'ready', 'failed', 'pruned')),
    strategy TEXT,
    size INTEGER,
    sha256 TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status);

CREATE TABLE IF NOT EXISTS jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    prefix TEXT NOT NULL UNIQUE,
    prompt_id TEXT,
    status TEXT NOT NULL CHECK(status IN ('created', 'submitted', 'polling', 'completed', 'collected', 'failed')),
    image_count INTEGER NOT NULL DEFAULT 0,
    cleaned INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Artifact status constants
const (
	StatusPending     = "pending"
	StatusDownloading = "downloading"
	StatusReady       = "ready"
	StatusFailed      = "failed"
	StatusPruned      = "pruned"
)

// Job status constants, one per orchestrator state.
const (
	JobCreated   = "created"
	JobSubmitted = "submitted"
	JobPolling   = "polling"
	JobCompleted = "completed"
	JobCollected = "collected"
	JobFailed    = "failed"
)

// Artifact represents a ledger row for one destination
type Artifact struct {
	ID           int64
	Destination  string
	Kind         string
	Link         string
	Status       string
	Strategy     string
	Size         int64
	SHA256       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Job represents a workflow execution
type Job struct {
	ID           int64
	Prefix       string
	PromptID     string
	Status       string
	ImageCount   int
	Cleaned      bool
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
