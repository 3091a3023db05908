package ledger

// Schema defines the session ledger: the set of device identities flashed in
// this session and one row per flash attempt.
const Schema = `
CREATE TABLE IF NOT EXISTS flashed_devices (
    identity TEXT PRIMARY KEY,
    device_path TEXT NOT NULL,
    run_id TEXT,
    flashed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    device_path TEXT NOT NULL,
    identity TEXT NOT NULL,
    summary TEXT,
    status TEXT NOT NULL CHECK(status IN ('success', 'failed')),
    final_state TEXT,
    mount_attempts INTEGER NOT NULL DEFAULT 0,
    copy_attempts INTEGER NOT NULL DEFAULT 0,
    mount_paths TEXT,
    clean_unmount INTEGER NOT NULL DEFAULT 0,
    messages TEXT,
    errors TEXT,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
CREATE INDEX IF NOT EXISTS idx_attempts_identity ON attempts(identity);
`

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Totals aggregates the attempts of a session.
type Totals struct {
	Flashed int
	Failed  int
}
