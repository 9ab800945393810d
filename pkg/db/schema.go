package db

// Schema defines the SQLite database schema for build requests.
// requests holds the authoritative lifecycle state, request_states the
// append-only history, and batches the grouping metadata. Batch state
// is always derived from member rows, never stored authoritatively.
const Schema = `
CREATE TABLE IF NOT EXISTS batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    annotations TEXT,
    user TEXT NOT NULL,
    last_notified_state TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    organization TEXT,
    user TEXT NOT NULL,
    batch_id INTEGER REFERENCES batches(id),
    state TEXT NOT NULL CHECK(state IN ('in_progress', 'complete', 'failed')),
    state_reason TEXT,
    payload TEXT NOT NULL,
    index_image TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
CREATE INDEX IF NOT EXISTS idx_requests_batch ON requests(batch_id);
CREATE INDEX IF NOT EXISTS idx_requests_user ON requests(user);

CREATE TABLE IF NOT EXISTS request_states (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id INTEGER NOT NULL REFERENCES requests(id),
    state TEXT NOT NULL,
    reason TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_request_states_request ON request_states(request_id);
`

// Request lifecycle states. in_progress is the only non-terminal state;
// complete and failed are terminal and sticky.
const (
	StateInProgress = "in_progress"
	StateComplete   = "complete"
	StateFailed     = "failed"
)

// Request represents one build request record
type Request struct {
	ID           int64
	Type         string
	Organization string
	User         string
	BatchID      int64
	State        string
	StateReason  string
	Payload      string
	IndexImage   string
	CreatedAt    string
	UpdatedAt    string
}

// StateEntry is one row of a request's append-only state history
type StateEntry struct {
	State     string
	Reason    string
	CreatedAt string
}

// Batch groups requests submitted together
type Batch struct {
	ID                int64
	Annotations       string
	User              string
	LastNotifiedState string
	CreatedAt         string
}
