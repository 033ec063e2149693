package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Request status values. Transitions are one-way from pending.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDeclined = "declined"
)

// Request is a requestor's ask to view one holder identity bundle.
type Request struct {
	ID                 string
	RequestorID        string
	HolderID           string
	IdentityID         string
	Purpose            string
	Status             string
	Reason             string
	ExpiresAt          *time.Time
	Challenge          string
	Presentation       []byte
	RequestorSignature string
	ApprovedBy         string
	ApprovedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SharedData is the approval artifact for one request: the disclosed
// attributes re-encrypted under a fresh DEK, plus that DEK wrapped under a
// KEK derived from the requestor's signature and salt.
type SharedData struct {
	RequestID string
	EncData   []byte
	EncKey    []byte
	Salt      []byte
	CreatedAt time.Time
}

// CreateRequest inserts a new pending request. Returns ErrDuplicate when a
// pending request for the same (requestor, identity) already exists.
func (s *Store) CreateRequest(r *Request) error {
	_, err := s.db.Exec(
		`INSERT INTO requests (id, requestor_id, holder_id, identity_id, purpose, status, reason,
			expires_at, challenge, presentation, requestor_signature, approved_by, approved_at,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestorID, r.HolderID, r.IdentityID, r.Purpose, r.Status, nullString(r.Reason),
		nullTime(r.ExpiresAt), r.Challenge, r.Presentation, r.RequestorSignature,
		nullString(r.ApprovedBy), nullTime(r.ApprovedAt), r.CreatedAt.Unix(), r.UpdatedAt.Unix(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}
	return nil
}

// GetRequest returns the request with the given id, or nil if none exists.
func (s *Store) GetRequest(id string) (*Request, error) {
	rows, err := s.db.Query(requestColumns+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query request: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRequest(rows)
}

const requestColumns = `SELECT id, requestor_id, holder_id, identity_id, purpose, status, reason,
	expires_at, challenge, presentation, requestor_signature, approved_by, approved_at,
	created_at, updated_at FROM requests`

// ListRequestsForProfile returns requests where the profile is requestor or
// holder, newest first, optionally filtered by status and capped at limit.
func (s *Store) ListRequestsForProfile(profileID, status string, limit int) ([]*Request, error) {
	query := requestColumns + ` WHERE (requestor_id = ? OR holder_id = ?)`
	args := []any{profileID, profileID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasPendingRequest reports whether a pending request exists for the
// (requestor, identity) pair.
func (s *Store) HasPendingRequest(requestorID, identityID string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM requests WHERE requestor_id = ? AND identity_id = ? AND status = ?`,
		requestorID, identityID, StatusPending).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return n > 0, nil
}

// ApproveRequest atomically stores the shared data artifact and flips the
// request from pending to approved. The status update is guarded by the
// pending precondition so that exactly one concurrent decision wins; the
// loser gets ErrNotPending and the transaction rolls back, leaving no
// orphaned shared data.
func (s *Store) ApproveRequest(ctx context.Context, requestID, approvedBy string, expiresAt *time.Time, shared *SharedData) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE requests SET status = ?, reason = NULL, expires_at = ?, approved_by = ?, approved_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusApproved, nullTime(expiresAt), approvedBy, shared.CreatedAt.Unix(), shared.CreatedAt.Unix(),
		requestID, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}

	_, err = tx.Exec(
		`INSERT INTO shared_data (request_id, enc_data, enc_key, salt, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET enc_data = excluded.enc_data, enc_key = excluded.enc_key,
			salt = excluded.salt, created_at = excluded.created_at`,
		requestID, shared.EncData, shared.EncKey, shared.Salt, shared.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert shared data: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit approval: %w", err)
	}
	return nil
}

// DeclineRequest flips the request from pending to declined with the given
// reason, clearing any expiry or approval fields. Returns ErrNotPending if
// the request already left the pending state.
func (s *Store) DeclineRequest(requestID, reason string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE requests SET status = ?, reason = ?, expires_at = NULL, approved_by = NULL, approved_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusDeclined, reason, at.Unix(), requestID, StatusPending)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

// DeleteRequest removes a pending request owned by the requestor. Returns
// false when nothing matched (wrong owner or no longer pending).
func (s *Store) DeleteRequest(requestID, requestorID string) (bool, error) {
	res, err := s.db.Exec(
		`DELETE FROM requests WHERE id = ? AND requestor_id = ? AND status = ?`,
		requestID, requestorID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to delete request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// GetSharedData returns the shared data artifact for a request, or nil if
// none exists.
func (s *Store) GetSharedData(requestID string) (*SharedData, error) {
	var sd SharedData
	var created int64
	err := s.db.QueryRow(
		`SELECT request_id, enc_data, enc_key, salt, created_at FROM shared_data WHERE request_id = ?`,
		requestID).Scan(&sd.RequestID, &sd.EncData, &sd.EncKey, &sd.Salt, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan shared data: %w", err)
	}
	sd.CreatedAt = time.Unix(created, 0).UTC()
	return &sd, nil
}

// RevokeSharedData atomically deletes the shared data artifact and, when the
// request is approved, forces its expiry into the past with the given
// reason. The request status itself stays approved; readers treat the
// expired grant as access-denied.
func (s *Store) RevokeSharedData(ctx context.Context, requestID, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM shared_data WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("failed to delete shared data: %w", err)
	}

	if _, err := tx.Exec(
		`UPDATE requests SET expires_at = ?, reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		at.Unix(), reason, at.Unix(), requestID, StatusApproved); err != nil {
		return fmt.Errorf("failed to expire request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit revocation: %w", err)
	}
	return nil
}

func scanRequest(rows *sql.Rows) (*Request, error) {
	var r Request
	var reason, approvedBy sql.NullString
	var expires, approvedAt sql.NullInt64
	var created, updated int64

	if err := rows.Scan(&r.ID, &r.RequestorID, &r.HolderID, &r.IdentityID, &r.Purpose, &r.Status,
		&reason, &expires, &r.Challenge, &r.Presentation, &r.RequestorSignature,
		&approvedBy, &approvedAt, &created, &updated); err != nil {
		return nil, fmt.Errorf("failed to scan request: %w", err)
	}

	r.Reason = reason.String
	r.ApprovedBy = approvedBy.String
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		r.ExpiresAt = &t
	}
	if approvedAt.Valid {
		t := time.Unix(approvedAt.Int64, 0).UTC()
		r.ApprovedAt = &t
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	r.UpdatedAt = time.Unix(updated, 0).UTC()
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
