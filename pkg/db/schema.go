package db

// Schema creates the sync state tables. targets holds the last successful
// sync per target; runs is the history of sync attempts.
const Schema = `
CREATE TABLE IF NOT EXISTS targets (
    name TEXT PRIMARY KEY,
    fingerprint TEXT NOT NULL,
    image_digest TEXT NOT NULL,
    image_size INTEGER NOT NULL,
    synced_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    target TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'building', 'transferring', 'synced', 'skipped', 'failed')),
    reason TEXT,
    fingerprint TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
`

// Run statuses
const (
	StatusPending      = "pending"
	StatusBuilding     = "building"
	StatusTransferring = "transferring"
	StatusSynced       = "synced"
	StatusSkipped      = "skipped"
	StatusFailed       = "failed"
)

// Run is one sync attempt.
type Run struct {
	ID           string
	Target       string
	Status       string
	Reason       string
	Fingerprint  string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
