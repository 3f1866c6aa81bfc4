package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/bernsteinhq/bernstein/internal/database"
)

// Store appends and reads audit events. All writes go through the hash
// chain; rows are never updated or deleted (the schema enforces the
// latter with a BEFORE DELETE trigger).
type Store struct {
	db *database.DB
}

// NewStore creates a new audit store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Append records a single event in its own transaction.
func (s *Store) Append(input *Input) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := AppendTx(tx, input)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	return id, nil
}

// AppendTx records an event inside an existing transaction. Callers use
// this to couple an event with the data change it describes — the ingest
// path appends email_archived in the same transaction as the blob insert.
// Multiple AppendTx calls in one transaction form a consistent chain.
func AppendTx(tx *sql.Tx, input *Input) (int64, error) {
	prevHash, err := lastHashTx(tx)
	if err != nil {
		return 0, err
	}
	hash := ComputeHash(prevHash, input)

	res, err := tx.Exec(`
		INSERT INTO events (occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		input.OccurredAt, input.Kind,
		nullableID(input.AccountID), nullableID(input.MailboxID), nullableID(input.MessageBlobID),
		input.Detail, prevHash, hash,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event id: %w", err)
	}
	return id, nil
}

func lastHashTx(tx *sql.Tx) (string, error) {
	var hash string
	err := tx.QueryRow("SELECT hash FROM events ORDER BY id DESC LIMIT 1").Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisPrevHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read chain tail: %w", err)
	}
	return hash, nil
}

// ComputeHash derives the chain hash for an event. Fields are joined with
// a single LF; optional ids contribute their decimal form or nothing (the
// LF separator is always present). An empty detail hashes as "{}" so that
// historical rows stored with NULL detail stay verifiable.
func ComputeHash(prevHash string, input *Input) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{'\n'})
	h.Write([]byte(input.OccurredAt))
	h.Write([]byte{'\n'})
	h.Write([]byte(input.Kind))
	h.Write([]byte{'\n'})

	if input.AccountID != nil {
		h.Write([]byte(strconv.FormatInt(*input.AccountID, 10)))
	}
	h.Write([]byte{'\n'})

	if input.MailboxID != nil {
		h.Write([]byte(strconv.FormatInt(*input.MailboxID, 10)))
	}
	h.Write([]byte{'\n'})

	if input.MessageBlobID != nil {
		h.Write([]byte(strconv.FormatInt(*input.MessageBlobID, 10)))
	}
	h.Write([]byte{'\n'})

	detail := input.Detail
	if detail == "" {
		detail = "{}"
	}
	h.Write([]byte(detail))

	return hex.EncodeToString(h.Sum(nil))
}

// Count returns the number of events, optionally filtered by kind.
func (s *Store) Count(kind string) (int64, error) {
	var count int64
	var err error
	if kind == "" {
		err = s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ?", kind).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// LastEventTimeByKind returns the occurred_at of the most recent event of
// the given kind, or "" when none exists.
func (s *Store) LastEventTimeByKind(kind string) (string, error) {
	var occurredAt string
	err := s.db.QueryRow(
		"SELECT occurred_at FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1", kind,
	).Scan(&occurredAt)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query last event time: %w", err)
	}
	return occurredAt, nil
}

// LastSyncFinishedDetail returns the detail JSON of the most recent
// sync_finished event, or "" when none exists.
func (s *Store) LastSyncFinishedDetail() (string, error) {
	var detail sql.NullString
	err := s.db.QueryRow(
		"SELECT detail FROM events WHERE kind = ? ORDER BY id DESC LIMIT 1", KindSyncFinished,
	).Scan(&detail)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query sync_finished detail: %w", err)
	}
	return detail.String, nil
}

// ListRecent returns events newest-first, optionally filtered by kind.
func (s *Store) ListRecent(kind string, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
		FROM events`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListAllForExport returns every event oldest-first.
func (s *Store) ListAllForExport() ([]*Event, error) {
	rows, err := s.db.Query(`
		SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
		FROM events
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for export: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastEvent returns the newest event, or nil for an empty chain.
func (s *Store) LastEvent() (*Event, error) {
	events, err := s.ListRecent("", 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(
			&e.ID, &e.OccurredAt, &e.Kind,
			&e.AccountID, &e.MailboxID, &e.MessageBlobID,
			&e.Detail, &e.PrevHash, &e.Hash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

// NowRFC3339 returns the current UTC time in the format used throughout
// the audit chain.
func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
