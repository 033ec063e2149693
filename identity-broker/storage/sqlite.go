// Package storage provides the relational persistence layer for the identity
// broker: profiles, encrypted identity bundles, access requests, shared-data
// grants and login/request challenges, backed by SQLite via database/sql.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint (duplicate DID, identity bundle, or pending request).
	ErrDuplicate = errors.New("duplicate row")

	// ErrNotPending is returned when a status transition finds the request
	// no longer in the pending state (another decision won the race).
	ErrNotPending = errors.New("request is not pending")
)

// Store wraps the SQLite database holding all broker state.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the broker database at path. Use ":memory:" for
// an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	-- One profile per authenticated principal, keyed by DID
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		did TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		latest_access INTEGER NOT NULL
	);

	-- Encrypted attribute bundles owned by a profile
	CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		context TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		avatar BLOB,
		issued INTEGER NOT NULL,
		enc_data BLOB NOT NULL,
		salt BLOB NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		UNIQUE(profile_id, context, description)
	);
	CREATE INDEX IF NOT EXISTS idx_identities_active ON identities(profile_id, is_active);

	-- Access requests: pending -> approved | declined
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		requestor_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		holder_id TEXT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		identity_id TEXT NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
		purpose TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'approved', 'declined')),
		reason TEXT,
		expires_at INTEGER,
		challenge TEXT NOT NULL DEFAULT '',
		presentation BLOB,
		requestor_signature TEXT NOT NULL DEFAULT '',
		approved_by TEXT,
		approved_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	-- At most one pending request per (requestor, identity)
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_pending
		ON requests(requestor_id, identity_id)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_requests_requestor ON requests(requestor_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_holder ON requests(holder_id, created_at DESC);

	-- Approval artifact: re-encrypted payload plus wrapped DEK, one per request
	CREATE TABLE IF NOT EXISTS shared_data (
		request_id TEXT PRIMARY KEY REFERENCES requests(id) ON DELETE CASCADE,
		enc_data BLOB NOT NULL,
		enc_key BLOB NOT NULL,
		salt BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Short-lived challenges, one slot per (session, purpose)
	CREATE TABLE IF NOT EXISTS challenges (
		session_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		value TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		PRIMARY KEY(session_id, purpose)
	);
	CREATE INDEX IF NOT EXISTS idx_challenges_cleanup ON challenges(issued_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure. modernc.org/sqlite surfaces these as plain errors, so we match
// the constraint message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Profiles ---

// Profile is one authenticated principal keyed by their DID.
type Profile struct {
	ID           string
	DID          string
	CreatedAt    time.Time
	LatestAccess time.Time
}

// CreateProfile inserts a new profile row.
func (s *Store) CreateProfile(p *Profile) error {
	_, err := s.db.Exec(
		`INSERT INTO profiles (id, did, created_at, latest_access) VALUES (?, ?, ?, ?)`,
		p.ID, p.DID, p.CreatedAt.Unix(), p.LatestAccess.Unix(),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert profile: %w", err)
	}
	return nil
}

// GetProfileByDID returns the profile for a DID, or nil if none exists.
func (s *Store) GetProfileByDID(did string) (*Profile, error) {
	return s.scanProfile(s.db.QueryRow(
		`SELECT id, did, created_at, latest_access FROM profiles WHERE did = ?`, did))
}

// GetProfileByID returns the profile with the given id, or nil if none exists.
func (s *Store) GetProfileByID(id string) (*Profile, error) {
	return s.scanProfile(s.db.QueryRow(
		`SELECT id, did, created_at, latest_access FROM profiles WHERE id = ?`, id))
}

func (s *Store) scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	var created, access int64
	err := row.Scan(&p.ID, &p.DID, &created, &access)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan profile: %w", err)
	}
	p.CreatedAt = time.Unix(created, 0).UTC()
	p.LatestAccess = time.Unix(access, 0).UTC()
	return &p, nil
}

// TouchProfile updates the latest access timestamp of a profile.
func (s *Store) TouchProfile(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE profiles SET latest_access = ? WHERE id = ?`, at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to touch profile: %w", err)
	}
	return nil
}

// --- Identities ---

// Identity is an encrypted attribute bundle owned by one profile.
type Identity struct {
	ID          string
	ProfileID   string
	Context     string
	Description string
	Avatar      []byte
	Issued      time.Time
	EncData     []byte
	Salt        []byte
	IsActive    bool
}

// CreateIdentity inserts a new identity bundle. The salt must be non-empty;
// storing a bundle without its key-derivation salt would make it
// permanently undecryptable.
func (s *Store) CreateIdentity(ident *Identity) error {
	if len(ident.Salt) == 0 {
		return fmt.Errorf("identity salt must not be empty")
	}

	_, err := s.db.Exec(
		`INSERT INTO identities (id, profile_id, context, description, avatar, issued, enc_data, salt, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ident.ID, ident.ProfileID, ident.Context, ident.Description, ident.Avatar,
		ident.Issued.Unix(), ident.EncData, ident.Salt, boolToInt(ident.IsActive),
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}
	return nil
}

// GetIdentity returns the identity with the given id, or nil if none exists.
func (s *Store) GetIdentity(id string) (*Identity, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_id, context, description, avatar, issued, enc_data, salt, is_active
		 FROM identities WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query identity: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanIdentity(rows)
}

// ListIdentitiesByProfile returns all identity bundles owned by a profile,
// newest first.
func (s *Store) ListIdentitiesByProfile(profileID string) ([]*Identity, error) {
	rows, err := s.db.Query(
		`SELECT id, profile_id, context, description, avatar, issued, enc_data, salt, is_active
		 FROM identities WHERE profile_id = ? ORDER BY issued DESC, id`, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// ListActiveContextsByDID returns the active identity bundles of the profile
// with the given DID, for requestor-side context discovery. The encrypted
// payload is not included.
func (s *Store) ListActiveContextsByDID(did string) ([]*Identity, error) {
	rows, err := s.db.Query(
		`SELECT i.id, i.profile_id, i.context, i.description, i.issued
		 FROM identities i JOIN profiles p ON p.id = i.profile_id
		 WHERE p.did = ? AND i.is_active = 1
		 ORDER BY i.issued DESC, i.id`, did)
	if err != nil {
		return nil, fmt.Errorf("failed to query contexts: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		var ident Identity
		var issued int64
		if err := rows.Scan(&ident.ID, &ident.ProfileID, &ident.Context, &ident.Description, &issued); err != nil {
			return nil, fmt.Errorf("failed to scan context: %w", err)
		}
		ident.Issued = time.Unix(issued, 0).UTC()
		ident.IsActive = true
		out = append(out, &ident)
	}
	return out, rows.Err()
}

// SetIdentityActive toggles the visibility flag of an identity, scoped to
// its owner. Returns false if no identity matched (wrong id or not owned by
// profileID).
func (s *Store) SetIdentityActive(id, profileID string, active bool) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE identities SET is_active = ? WHERE id = ? AND profile_id = ?`,
		boolToInt(active), id, profileID)
	if err != nil {
		return false, fmt.Errorf("failed to update identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteIdentities deletes the given identity ids owned by profileID in a
// single transaction and returns how many rows were removed. Dependent
// requests and shared data rows cascade.
func (s *Store) DeleteIdentities(ctx context.Context, profileID string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, id := range ids {
		res, err := tx.Exec(`DELETE FROM identities WHERE id = ? AND profile_id = ?`, id, profileID)
		if err != nil {
			return 0, fmt.Errorf("failed to delete identity %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return total, nil
}

func scanIdentity(rows *sql.Rows) (*Identity, error) {
	var ident Identity
	var issued int64
	var active int
	if err := rows.Scan(&ident.ID, &ident.ProfileID, &ident.Context, &ident.Description,
		&ident.Avatar, &issued, &ident.EncData, &ident.Salt, &active); err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	ident.Issued = time.Unix(issued, 0).UTC()
	ident.IsActive = active != 0
	return &ident, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Challenges ---

// Challenge is a short-lived nonce slot keyed by (session, purpose).
type Challenge struct {
	SessionID string
	Purpose   string
	Value     string
	IssuedAt  time.Time
}

// UpsertChallenge stores a challenge, replacing any previous slot for the
// same (session, purpose).
func (s *Store) UpsertChallenge(c *Challenge) error {
	_, err := s.db.Exec(
		`INSERT INTO challenges (session_id, purpose, value, issued_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id, purpose) DO UPDATE SET value = excluded.value, issued_at = excluded.issued_at`,
		c.SessionID, c.Purpose, c.Value, c.IssuedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert challenge: %w", err)
	}
	return nil
}

// GetChallenge returns the challenge for (session, purpose), or nil if none
// is stored.
func (s *Store) GetChallenge(sessionID, purpose string) (*Challenge, error) {
	var c Challenge
	var issued int64
	err := s.db.QueryRow(
		`SELECT session_id, purpose, value, issued_at FROM challenges WHERE session_id = ? AND purpose = ?`,
		sessionID, purpose).Scan(&c.SessionID, &c.Purpose, &c.Value, &issued)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan challenge: %w", err)
	}
	c.IssuedAt = time.Unix(issued, 0).UTC()
	return &c, nil
}

// DeleteChallenge removes the challenge slot. Deleting an absent slot is
// not an error.
func (s *Store) DeleteChallenge(sessionID, purpose string) error {
	if _, err := s.db.Exec(
		`DELETE FROM challenges WHERE session_id = ? AND purpose = ?`, sessionID, purpose); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// DeleteExpiredChallenges removes all challenges issued before the cutoff
// and returns how many were removed.
func (s *Store) DeleteExpiredChallenges(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM challenges WHERE issued_at < ?`, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return res.RowsAffected()
}
