package message

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/rs/zerolog"
)

// UnsupportedEncodingError is returned when a blob carries a
// stored_encoding other than "raw".
type UnsupportedEncodingError struct {
	StoredEncoding string
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("unsupported stored_encoding %q", e.StoredEncoding)
}

// Store provides access to message blobs and locations
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new message store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("message"),
	}
}

// Ingest atomically inserts a blob (if absent), upserts its location and,
// when the blob is genuinely new, appends an email_archived event — all in
// one transaction. The FK from events.message_blob_id then prevents the
// blob from disappearing without first breaking the hash chain.
func (s *Store) Ingest(blob *BlobInput, loc *LocationInput) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdNow, err := insertBlobIfAbsentTx(tx, blob)
	if err != nil {
		return 0, err
	}

	blobID, err := blobIDBySHA256Tx(tx, blob.SHA256)
	if err != nil {
		return 0, err
	}

	if err := upsertLocationTx(tx, blobID, loc); err != nil {
		return 0, err
	}

	if createdNow {
		_, err := audit.AppendTx(tx, &audit.Input{
			OccurredAt:    audit.NowRFC3339(),
			Kind:          audit.KindEmailArchived,
			AccountID:     &loc.AccountID,
			MailboxID:     &loc.MailboxID,
			MessageBlobID: &blobID,
			Detail:        fmt.Sprintf(`{"sha256":%q}`, blob.SHA256),
		})
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ingest: %w", err)
	}
	return blobID, nil
}

// InsertBlobIfAbsent inserts a blob keyed by sha256. Idempotent: a second
// call with the same bytes returns the existing id and createdNow=false.
func (s *Store) InsertBlobIfAbsent(blob *BlobInput) (int64, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdNow, err := insertBlobIfAbsentTx(tx, blob)
	if err != nil {
		return 0, false, err
	}
	blobID, err := blobIDBySHA256Tx(tx, blob.SHA256)
	if err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit blob insert: %w", err)
	}
	return blobID, createdNow, nil
}

func insertBlobIfAbsentTx(tx *sql.Tx, blob *BlobInput) (bool, error) {
	res, err := tx.Exec(`
		INSERT OR IGNORE INTO message_blobs (
			sha256, stored_encoding, raw_mime, raw_mime_size_bytes, stored_size_bytes,
			message_id, date_header, from_address, to_addresses, cc_addresses, subject, body_text,
			imported_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		blob.SHA256, StoredEncodingRaw, blob.RawMIME, len(blob.RawMIME), len(blob.RawMIME),
		nullable(blob.Metadata.MessageID), nullable(blob.Metadata.DateHeader),
		nullable(blob.Metadata.FromAddress), nullable(blob.Metadata.ToAddresses),
		nullable(blob.Metadata.CcAddresses), nullable(blob.Metadata.Subject),
		nullable(blob.Metadata.BodyText), blob.ImportedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message blob: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return affected > 0, nil
}

func blobIDBySHA256Tx(tx *sql.Tx, sha string) (int64, error) {
	var id int64
	if err := tx.QueryRow("SELECT id FROM message_blobs WHERE sha256 = ?", sha).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to resolve blob id for sha256 %s: %w", sha, err)
	}
	return id, nil
}

// UpsertLocation records a placement keyed on (mailbox, uidvalidity, uid).
// On conflict the blob reference, internal date, flags and last_seen are
// refreshed and gone_from_server_at is cleared; the server's view of a UID
// always wins.
func (s *Store) UpsertLocation(blobID int64, loc *LocationInput) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertLocationTx(tx, blobID, loc); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit location upsert: %w", err)
	}
	return nil
}

func upsertLocationTx(tx *sql.Tx, blobID int64, loc *LocationInput) error {
	_, err := tx.Exec(`
		INSERT INTO message_locations (
			message_blob_id, account_id, mailbox_id, uidvalidity, uid,
			internal_date, flags, first_seen_at, last_seen_at, gone_from_server_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(mailbox_id, uidvalidity, uid) DO UPDATE SET
			message_blob_id = excluded.message_blob_id,
			internal_date = excluded.internal_date,
			flags = excluded.flags,
			last_seen_at = excluded.last_seen_at,
			gone_from_server_at = NULL`,
		blobID, loc.AccountID, loc.MailboxID, loc.UIDValidity, loc.UID,
		nullable(loc.InternalDate), nullable(loc.Flags), loc.FirstSeenAt, loc.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message location: %w", err)
	}
	return nil
}

// GetRaw returns the raw bytes of one blob. Blobs stored with an encoding
// other than "raw" are refused.
func (s *Store) GetRaw(blobID int64) (*BlobRaw, error) {
	var (
		sha      string
		encoding string
		raw      []byte
	)
	err := s.db.QueryRow(
		"SELECT sha256, stored_encoding, raw_mime FROM message_blobs WHERE id = ?", blobID,
	).Scan(&sha, &encoding, &raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message blob %d not found", blobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read message blob: %w", err)
	}

	if encoding != StoredEncodingRaw {
		return nil, &UnsupportedEncodingError{StoredEncoding: encoding}
	}

	return &BlobRaw{ID: blobID, SHA256: sha, RawMIME: raw}, nil
}

// BlobCount returns the number of stored blobs.
func (s *Store) BlobCount() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM message_blobs").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count message blobs: %w", err)
	}
	return count, nil
}

// LocationCount returns the number of stored locations.
func (s *Store) LocationCount() (int64, error) {
	var count int64
	if err := s.db.QueryRow("SELECT COUNT(*) FROM message_locations").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count message locations: %w", err)
	}
	return count, nil
}

// RootHash computes SHA-256 over all blob hashes sorted ascending, each
// followed by LF. It is a cheap digest of the whole archive content.
func (s *Store) RootHash() (string, error) {
	rows, err := s.db.Query("SELECT sha256 FROM message_blobs ORDER BY sha256 ASC")
	if err != nil {
		return "", fmt.Errorf("failed to query blob hashes: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return "", fmt.Errorf("failed to scan blob hash: %w", err)
		}
		h.Write([]byte(sha))
		h.Write([]byte{'\n'})
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to iterate blob hashes: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// RootHashTx computes the root hash inside an existing transaction, so a
// sync_finished checkpoint reflects exactly the committed state.
func RootHashTx(tx *sql.Tx) (string, int64, error) {
	rows, err := tx.Query("SELECT sha256 FROM message_blobs ORDER BY sha256 ASC")
	if err != nil {
		return "", 0, fmt.Errorf("failed to query blob hashes: %w", err)
	}
	defer rows.Close()

	h := sha256.New()
	var count int64
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return "", 0, fmt.Errorf("failed to scan blob hash: %w", err)
		}
		h.Write([]byte(sha))
		h.Write([]byte{'\n'})
		count++
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("failed to iterate blob hashes: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), count, nil
}

// ListBlobsForExport streams (id, sha256) pairs in id order.
func (s *Store) ListBlobsForExport() ([]*BlobExportRow, error) {
	rows, err := s.db.Query("SELECT id, sha256 FROM message_blobs ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs for export: %w", err)
	}
	defer rows.Close()

	var result []*BlobExportRow
	for rows.Next() {
		r := &BlobExportRow{}
		if err := rows.Scan(&r.ID, &r.SHA256); err != nil {
			return nil, fmt.Errorf("failed to scan blob export row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blob export rows: %w", err)
	}
	return result, nil
}

// CountForAccount returns the number of locations still present on the
// server for one account.
func (s *Store) CountForAccount(accountID int64) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM message_locations WHERE account_id = ? AND gone_from_server_at IS NULL",
		accountID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count locations for account: %w", err)
	}
	return count, nil
}

// ArchiveDateRange returns the oldest and newest known message dates,
// preferring the IMAP internal date over the Date header.
func (s *Store) ArchiveDateRange() (*DateRange, error) {
	var oldest, newest sql.NullString
	err := s.db.QueryRow(`
		SELECT
			MIN(COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, ''))),
			MAX(COALESCE(NULLIF(ml.internal_date, ''), NULLIF(mb.date_header, '')))
		FROM message_locations ml
		JOIN message_blobs mb ON mb.id = ml.message_blob_id
		WHERE ml.gone_from_server_at IS NULL`).Scan(&oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive date range: %w", err)
	}
	return &DateRange{Oldest: oldest.String, Newest: newest.String}, nil
}

// Diagnose returns row counts and structural problems for the status view.
func (s *Store) Diagnose() (*Diagnostic, error) {
	d := &Diagnostic{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM accounts", &d.AccountsCount},
		{"SELECT COUNT(*) FROM mailboxes", &d.MailboxesCount},
		{"SELECT COUNT(*) FROM message_blobs", &d.MessageBlobsCount},
		{"SELECT COUNT(*) FROM message_locations", &d.MessageLocationsCount},
		{"SELECT COUNT(*) FROM events", &d.EventsCount},
		{`SELECT COUNT(*) FROM message_blobs mb
		  WHERE NOT EXISTS (SELECT 1 FROM message_locations ml WHERE ml.message_blob_id = mb.id)`,
			&d.BlobsWithoutLocation},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to diagnose archive: %w", err)
		}
	}
	return d, nil
}

// ListAuditorIndexRows returns the fully joined rows for index.csv,
// ordered by account, mailbox name and UID for deterministic output.
func (s *Store) ListAuditorIndexRows() ([]*AuditorIndexRow, error) {
	rows, err := s.db.Query(`
		SELECT
			a.id, a.label, m.imap_name, ml.uidvalidity, ml.uid,
			COALESCE(ml.internal_date, ''), COALESCE(ml.flags, ''),
			mb.id, mb.sha256,
			COALESCE(mb.message_id, ''), COALESCE(mb.date_header, ''),
			COALESCE(mb.from_address, ''), COALESCE(mb.to_addresses, ''),
			COALESCE(mb.cc_addresses, ''), COALESCE(mb.subject, ''),
			mb.imported_at
		FROM message_locations ml
		JOIN message_blobs mb ON mb.id = ml.message_blob_id
		JOIN mailboxes m ON m.id = ml.mailbox_id
		JOIN accounts a ON a.id = ml.account_id
		ORDER BY a.id ASC, m.imap_name ASC, ml.uid ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list auditor index rows: %w", err)
	}
	defer rows.Close()

	var result []*AuditorIndexRow
	for rows.Next() {
		r := &AuditorIndexRow{}
		if err := rows.Scan(
			&r.AccountID, &r.AccountLabel, &r.MailboxName, &r.UIDValidity, &r.UID,
			&r.InternalDate, &r.Flags,
			&r.MessageBlobID, &r.SHA256,
			&r.MessageID, &r.DateHeader,
			&r.FromAddress, &r.ToAddresses,
			&r.CcAddresses, &r.Subject,
			&r.ImportedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan auditor index row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate auditor index rows: %w", err)
	}
	return result, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
