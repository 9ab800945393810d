package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/indexforge/indexforge/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrTerminal is returned when a mutation targets a request that has
// already reached a terminal state.
var ErrTerminal = fmt.Errorf("request is already in a terminal state")

// Repository provides database operations for build requests and batches
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateRequest inserts a new request at state in_progress and records
// the initial history entry.
func (r *Repository) CreateRequest(req *Request) error {
	slog.Info("database_create_request", "type", req.Type, "user", req.User)

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var batchID any
	if req.BatchID != 0 {
		batchID = req.BatchID
	}

	result, err := tx.Exec(`
		INSERT INTO requests (type, organization, user, batch_id, state, state_reason, payload, index_image)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Type, req.Organization, req.User, batchID,
		StateInProgress, req.StateReason, req.Payload, req.IndexImage)
	if err != nil {
		slog.Error("database_insert_failed", "type", req.Type, "error", err)
		return errors.Wrap(err, "failed to insert request")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	req.ID = id
	req.State = StateInProgress

	if _, err := tx.Exec(
		`INSERT INTO request_states (request_id, state, reason) VALUES (?, ?, ?)`,
		id, StateInProgress, req.StateReason); err != nil {
		return errors.Wrap(err, "failed to insert state history")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit request")
	}

	slog.Info("database_request_created", "request_id", req.ID, "type", req.Type)
	return nil
}

// CreateBatch inserts a batch and its member requests atomically.
func (r *Repository) CreateBatch(batch *Batch, members []*Request) error {
	slog.Info("database_create_batch", "user", batch.User, "member_count", len(members))

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO batches (annotations, user) VALUES (?, ?)`,
		batch.Annotations, batch.User)
	if err != nil {
		slog.Error("database_batch_insert_failed", "error", err)
		return errors.Wrap(err, "failed to insert batch")
	}
	batchID, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get batch id")
	}
	batch.ID = batchID

	for _, req := range members {
		res, err := tx.Exec(`
			INSERT INTO requests (type, organization, user, batch_id, state, state_reason, payload, index_image)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.Type, req.Organization, req.User, batchID,
			StateInProgress, req.StateReason, req.Payload, req.IndexImage)
		if err != nil {
			return errors.Wrap(err, "failed to insert batch member")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to get member id")
		}
		req.ID = id
		req.BatchID = batchID
		req.State = StateInProgress

		if _, err := tx.Exec(
			`INSERT INTO request_states (request_id, state, reason) VALUES (?, ?, ?)`,
			id, StateInProgress, req.StateReason); err != nil {
			return errors.Wrap(err, "failed to insert member state history")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit batch")
	}

	slog.Info("database_batch_created", "batch_id", batchID, "member_count", len(members))
	return nil
}

// GetRequest retrieves a request by id. Returns nil when not found.
func (r *Repository) GetRequest(id int64) (*Request, error) {
	query := `
		SELECT id, type, COALESCE(organization, ''), user, COALESCE(batch_id, 0),
		       state, COALESCE(state_reason, ''), payload, COALESCE(index_image, ''),
		       created_at, updated_at
		FROM requests WHERE id = ?
	`
	var req Request
	err := r.db.QueryRow(query, id).Scan(
		&req.ID, &req.Type, &req.Organization, &req.User, &req.BatchID,
		&req.State, &req.StateReason, &req.Payload, &req.IndexImage,
		&req.CreatedAt, &req.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "request_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query request")
	}
	return &req, nil
}

// ListRequests retrieves all requests, newest first.
func (r *Repository) ListRequests() ([]*Request, error) {
	query := `
		SELECT id, type, COALESCE(organization, ''), user, COALESCE(batch_id, 0),
		       state, COALESCE(state_reason, ''), payload, COALESCE(index_image, ''),
		       created_at, updated_at
		FROM requests ORDER BY id DESC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list requests")
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		var req Request
		if err := rows.Scan(
			&req.ID, &req.Type, &req.Organization, &req.User, &req.BatchID,
			&req.State, &req.StateReason, &req.Payload, &req.IndexImage,
			&req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan row")
		}
		requests = append(requests, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return requests, nil
}

// AppendState records intermediate human-readable progress for a
// request without changing its lifecycle state. Rejected once the
// request is terminal.
func (r *Repository) AppendState(id int64, reason string) error {
	slog.Info("database_append_state", "request_id", id, "reason", reason)

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE requests SET state_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?`, reason, id, StateInProgress)
	if err != nil {
		return errors.Wrap(err, "failed to update request")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return ErrTerminal
	}

	if _, err := tx.Exec(
		`INSERT INTO request_states (request_id, state, reason) VALUES (?, ?, ?)`,
		id, StateInProgress, reason); err != nil {
		return errors.Wrap(err, "failed to insert state history")
	}

	return errors.Wrap(tx.Commit(), "failed to commit state append")
}

// SetIndexImage records the computed index image reference on an
// in-progress request. Rejected once the request is terminal.
func (r *Repository) SetIndexImage(id int64, indexImage string) error {
	result, err := r.db.Exec(`
		UPDATE requests SET index_image = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?`, indexImage, id, StateInProgress)
	if err != nil {
		return errors.Wrap(err, "failed to set index image")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return ErrTerminal
	}
	slog.Info("database_index_image_set", "request_id", id, "index_image", indexImage)
	return nil
}

// SetTerminal performs the single terminal transition for a request.
// The WHERE clause enforces stickiness: a request that already left
// in_progress cannot transition again, and the caller gets ErrTerminal.
func (r *Repository) SetTerminal(id int64, state, reason string) error {
	if state != StateComplete && state != StateFailed {
		return fmt.Errorf("state %q is not terminal", state)
	}
	slog.Info("database_set_terminal", "request_id", id, "state", state)

	tx, err := r.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE requests SET state = ?, state_reason = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?`, state, reason, id, StateInProgress)
	if err != nil {
		return errors.Wrap(err, "failed to update request state")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_terminal_conflict", "request_id", id, "state", state)
		return ErrTerminal
	}

	if _, err := tx.Exec(
		`INSERT INTO request_states (request_id, state, reason) VALUES (?, ?, ?)`,
		id, state, reason); err != nil {
		return errors.Wrap(err, "failed to insert terminal history")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit terminal transition")
	}

	slog.Info("database_request_terminal", "request_id", id, "state", state)
	return nil
}

// StateHistory returns the append-only state history for a request,
// oldest first.
func (r *Repository) StateHistory(id int64) ([]StateEntry, error) {
	rows, err := r.db.Query(`
		SELECT state, COALESCE(reason, ''), created_at
		FROM request_states WHERE request_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query state history")
	}
	defer rows.Close()

	var entries []StateEntry
	for rows.Next() {
		var e StateEntry
		if err := rows.Scan(&e.State, &e.Reason, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan history row")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetBatch retrieves a batch by id. Returns nil when not found.
func (r *Repository) GetBatch(id int64) (*Batch, error) {
	var b Batch
	err := r.db.QueryRow(`
		SELECT id, COALESCE(annotations, ''), user, COALESCE(last_notified_state, ''), created_at
		FROM batches WHERE id = ?`, id).Scan(
		&b.ID, &b.Annotations, &b.User, &b.LastNotifiedState, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to query batch")
	}
	return &b, nil
}

// BatchMembers returns a batch's member requests in submission order.
func (r *Repository) BatchMembers(batchID int64) ([]*Request, error) {
	rows, err := r.db.Query(`
		SELECT id, type, COALESCE(organization, ''), user, COALESCE(batch_id, 0),
		       state, COALESCE(state_reason, ''), payload, COALESCE(index_image, ''),
		       created_at, updated_at
		FROM requests WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query batch members")
	}
	defer rows.Close()

	var members []*Request
	for rows.Next() {
		var req Request
		if err := rows.Scan(
			&req.ID, &req.Type, &req.Organization, &req.User, &req.BatchID,
			&req.State, &req.StateReason, &req.Payload, &req.IndexImage,
			&req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan member row")
		}
		members = append(members, &req)
	}
	return members, rows.Err()
}

// BatchState derives the aggregate batch state from member states:
// in_progress while any member is in_progress, failed if any member
// failed and none are in_progress, otherwise complete.
func (r *Repository) BatchState(batchID int64) (string, error) {
	var inProgress, failed, total int
	err := r.db.QueryRow(`
		SELECT
			COUNT(CASE WHEN state = 'in_progress' THEN 1 END),
			COUNT(CASE WHEN state = 'failed' THEN 1 END),
			COUNT(*)
		FROM requests WHERE batch_id = ?`, batchID).Scan(&inProgress, &failed, &total)
	if err != nil {
		return "", errors.Wrap(err, "failed to derive batch state")
	}
	if total == 0 {
		return "", fmt.Errorf("batch %d has no members", batchID)
	}
	switch {
	case inProgress > 0:
		return StateInProgress, nil
	case failed > 0:
		return StateFailed, nil
	default:
		return StateComplete, nil
	}
}

// MarkBatchNotified records the last aggregate state for which a batch
// notification was emitted, for change detection only.
func (r *Repository) MarkBatchNotified(batchID int64, state string) error {
	_, err := r.db.Exec(
		`UPDATE batches SET last_notified_state = ? WHERE id = ?`, state, batchID)
	return errors.Wrap(err, "failed to mark batch notified")
}
