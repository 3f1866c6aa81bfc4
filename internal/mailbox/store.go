package mailbox

import (
	"database/sql"
	"fmt"

	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/rs/zerolog"
)

// Store provides mailbox persistence
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new mailbox store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("mailbox"),
	}
}

// Upsert records a mailbox observed during discovery, keyed on
// (account_id, imap_name). On conflict only delimiter, attributes,
// hard_excluded and updated_at are refreshed — sync_enabled is set on the
// initial insert only, so discovery never downgrades a user's choice. A
// hard-excluded mailbox is forced to sync_enabled = false either way.
func (s *Store) Upsert(input *UpsertInput) (int64, error) {
	syncEnabled := input.SyncEnabled && !input.HardExcluded

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := audit.NowRFC3339()
	_, err = tx.Exec(`
		INSERT INTO mailboxes (
			account_id, imap_name, delimiter, attributes,
			sync_enabled, hard_excluded, uidvalidity, last_seen_uid,
			last_sync_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, NULL, 0, NULL, NULL, ?, ?)
		ON CONFLICT(account_id, imap_name) DO UPDATE SET
			delimiter = excluded.delimiter,
			attributes = excluded.attributes,
			hard_excluded = excluded.hard_excluded,
			sync_enabled = CASE WHEN excluded.hard_excluded = 1 THEN 0 ELSE sync_enabled END,
			updated_at = excluded.updated_at`,
		input.AccountID, input.IMAPName, nullable(input.Delimiter), nullable(input.Attributes),
		boolToInt(syncEnabled), boolToInt(input.HardExcluded), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert mailbox: %w", err)
	}

	var mailboxID int64
	err = tx.QueryRow(
		"SELECT id FROM mailboxes WHERE account_id = ? AND imap_name = ?",
		input.AccountID, input.IMAPName,
	).Scan(&mailboxID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve mailbox id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit mailbox upsert: %w", err)
	}
	return mailboxID, nil
}

// Get returns one mailbox by id.
func (s *Store) Get(mailboxID int64) (*Mailbox, error) {
	row := s.db.QueryRow(selectColumns+" FROM mailboxes WHERE id = ?", mailboxID)
	m, err := scanMailbox(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("mailbox %d not found", mailboxID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mailbox: %w", err)
	}
	return m, nil
}

// List returns all mailboxes of an account ordered by IMAP name.
func (s *Store) List(accountID int64) ([]*Mailbox, error) {
	rows, err := s.db.Query(selectColumns+" FROM mailboxes WHERE account_id = ? ORDER BY imap_name ASC", accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []*Mailbox
	for rows.Next() {
		m, err := scanMailbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mailboxes = append(mailboxes, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mailboxes: %w", err)
	}
	return mailboxes, nil
}

// SetSyncEnabled toggles archiving for one mailbox and records a
// mailbox_sync_changed event in the same transaction.
func (s *Store) SetSyncEnabled(mailboxID int64, syncEnabled bool) error {
	m, err := s.Get(mailboxID)
	if err != nil {
		return err
	}
	if m.HardExcluded && syncEnabled {
		return fmt.Errorf("mailbox %q is not selectable and cannot be archived", m.IMAPName)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := audit.NowRFC3339()
	if _, err := tx.Exec(
		"UPDATE mailboxes SET sync_enabled = ?, updated_at = ? WHERE id = ?",
		boolToInt(syncEnabled), now, mailboxID,
	); err != nil {
		return fmt.Errorf("failed to update mailbox sync flag: %w", err)
	}

	_, err = audit.AppendTx(tx, &audit.Input{
		OccurredAt: now,
		Kind:       audit.KindMailboxSyncChanged,
		AccountID:  &m.AccountID,
		MailboxID:  &mailboxID,
		Detail:     fmt.Sprintf(`{"mailbox":%q,"sync_enabled":%t}`, m.IMAPName, syncEnabled),
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mailbox sync change: %w", err)
	}

	s.log.Info().
		Int64("mailbox", mailboxID).
		Str("name", m.IMAPName).
		Bool("syncEnabled", syncEnabled).
		Msg("Mailbox sync flag changed")
	return nil
}

// UpdateCursor persists the resume cursor after a mailbox sync attempt.
// uidvalidity of 0 keeps the stored value (server did not advertise one).
func (s *Store) UpdateCursor(mailboxID int64, uidvalidity, lastSeenUID uint32, lastSyncAt, lastError string) error {
	var validityArg any
	if uidvalidity != 0 {
		validityArg = uidvalidity
	} else {
		// Keep the previously observed value.
		m, err := s.Get(mailboxID)
		if err != nil {
			return err
		}
		if m.UIDValidity != 0 {
			validityArg = m.UIDValidity
		}
	}

	_, err := s.db.Exec(`
		UPDATE mailboxes
		SET uidvalidity = ?, last_seen_uid = ?, last_sync_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		validityArg, lastSeenUID, nullable(lastSyncAt), nullable(lastError), audit.NowRFC3339(), mailboxID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mailbox cursor: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, account_id, imap_name, delimiter, attributes,
		sync_enabled, hard_excluded, uidvalidity, last_seen_uid,
		last_sync_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMailbox(row rowScanner) (*Mailbox, error) {
	m := &Mailbox{}
	var delimiter, attributes, lastSyncAt, lastError sql.NullString
	var uidvalidity sql.NullInt64
	var syncEnabledInt, hardExcludedInt int
	err := row.Scan(
		&m.ID, &m.AccountID, &m.IMAPName, &delimiter, &attributes,
		&syncEnabledInt, &hardExcludedInt, &uidvalidity, &m.LastSeenUID,
		&lastSyncAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Delimiter = delimiter.String
	m.Attributes = attributes.String
	m.SyncEnabled = syncEnabledInt != 0
	m.HardExcluded = hardExcludedInt != 0
	if uidvalidity.Valid {
		m.UIDValidity = uint32(uidvalidity.Int64)
	}
	m.LastSyncAt = lastSyncAt.String
	m.LastError = lastError.String
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
