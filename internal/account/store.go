package account

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/rs/zerolog"
)

// Store provides account persistence
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a new account store
func NewStore(db *database.DB) *Store {
	return &Store{
		db:  db,
		log: logging.WithComponent("account"),
	}
}

// Create validates and inserts a new account, recording an
// account_created event in the same transaction.
func (s *Store) Create(input *CreateInput) (int64, error) {
	if err := validate(input); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := audit.NowRFC3339()
	res, err := tx.Exec(`
		INSERT INTO accounts (
			label, email_address, provider_kind,
			imap_host, imap_port, imap_tls, imap_username,
			auth_kind, secret_ref, oauth_provider, oauth_scopes,
			mailbox_selection_mode, created_at, updated_at, disabled
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		input.Label, input.EmailAddress, input.ProviderKind,
		input.IMAPHost, input.IMAPPort, boolToInt(input.IMAPTLS), input.IMAPUsername,
		input.AuthKind, input.SecretRef, nullable(input.OAuthProvider), nullable(input.OAuthScopes),
		input.MailboxSelectionMode, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}

	accountID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read account id: %w", err)
	}

	_, err = audit.AppendTx(tx, &audit.Input{
		OccurredAt: now,
		Kind:       audit.KindAccountCreated,
		AccountID:  &accountID,
		Detail:     fmt.Sprintf(`{"email":%q,"imap_host":%q}`, input.EmailAddress, input.IMAPHost),
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit account: %w", err)
	}

	s.log.Info().Int64("account", accountID).Str("email", input.EmailAddress).Msg("Account created")
	return accountID, nil
}

func validate(input *CreateInput) error {
	switch {
	case strings.TrimSpace(input.EmailAddress) == "":
		return fmt.Errorf("account email address must not be empty")
	case strings.TrimSpace(input.IMAPHost) == "":
		return fmt.Errorf("account IMAP host must not be empty")
	case input.IMAPPort <= 0 || input.IMAPPort > 65535:
		return fmt.Errorf("account IMAP port %d is out of range", input.IMAPPort)
	case !input.IMAPTLS:
		return fmt.Errorf("non-TLS IMAP connections are not supported")
	case input.AuthKind != AuthPassword && input.AuthKind != AuthOAuth2:
		return fmt.Errorf("unknown auth kind %q", input.AuthKind)
	case input.MailboxSelectionMode != SelectionAuto && input.MailboxSelectionMode != SelectionManual:
		return fmt.Errorf("unknown mailbox selection mode %q", input.MailboxSelectionMode)
	case strings.TrimSpace(input.SecretRef) == "":
		return fmt.Errorf("account secret_ref must not be empty")
	}
	return nil
}

// Get returns one account by id.
func (s *Store) Get(accountID int64) (*Account, error) {
	row := s.db.QueryRow(selectColumns+" FROM accounts WHERE id = ?", accountID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %d not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// List returns all accounts, including disabled ones, ordered by id.
// Callers that present archive content must skip disabled accounts.
func (s *Store) List() ([]*Account, error) {
	rows, err := s.db.Query(selectColumns + " FROM accounts ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}

// ListEnabled returns the accounts eligible for sync.
func (s *Store) ListEnabled() ([]*Account, error) {
	accounts, err := s.List()
	if err != nil {
		return nil, err
	}
	enabled := accounts[:0]
	for _, a := range accounts {
		if !a.Disabled {
			enabled = append(enabled, a)
		}
	}
	return enabled, nil
}

// Remove soft-deletes an account: the row and its archived mail are
// retained, the account just disappears from listings and sync. Records
// an account_removed event in the same transaction.
func (s *Store) Remove(accountID int64) error {
	a, err := s.Get(accountID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := audit.NowRFC3339()
	if _, err := tx.Exec(
		"UPDATE accounts SET disabled = 1, updated_at = ? WHERE id = ?", now, accountID,
	); err != nil {
		return fmt.Errorf("failed to disable account: %w", err)
	}

	_, err = audit.AppendTx(tx, &audit.Input{
		OccurredAt: now,
		Kind:       audit.KindAccountRemoved,
		AccountID:  &accountID,
		Detail:     fmt.Sprintf(`{"email":%q}`, a.EmailAddress),
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account removal: %w", err)
	}

	s.log.Info().Int64("account", accountID).Msg("Account removed (disabled)")
	return nil
}

// ResetCursors clears the sync state of every mailbox of the account,
// forcing a full resync on the next run.
func (s *Store) ResetCursors(accountID int64) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE mailboxes
		SET uidvalidity = NULL, last_seen_uid = 0, last_sync_at = NULL, last_error = NULL, updated_at = ?
		WHERE account_id = ?`,
		audit.NowRFC3339(), accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset mailbox cursors: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reset result: %w", err)
	}

	s.log.Info().Int64("account", accountID).Int64("mailboxes", affected).Msg("Mailbox cursors reset")
	return affected, nil
}

const selectColumns = `
	SELECT id, label, email_address, provider_kind,
		imap_host, imap_port, imap_tls, imap_username,
		auth_kind, secret_ref, oauth_provider, oauth_scopes,
		mailbox_selection_mode, created_at, updated_at, disabled`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	a := &Account{}
	var tlsInt, disabledInt int
	var oauthProvider, oauthScopes sql.NullString
	err := row.Scan(
		&a.ID, &a.Label, &a.EmailAddress, &a.ProviderKind,
		&a.IMAPHost, &a.IMAPPort, &tlsInt, &a.IMAPUsername,
		&a.AuthKind, &a.SecretRef, &oauthProvider, &oauthScopes,
		&a.MailboxSelectionMode, &a.CreatedAt, &a.UpdatedAt, &disabledInt,
	)
	if err != nil {
		return nil, err
	}
	a.IMAPTLS = tlsInt != 0
	a.Disabled = disabledInt != 0
	a.OAuthProvider = oauthProvider.String
	a.OAuthScopes = oauthScopes.String
	return a, nil
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
