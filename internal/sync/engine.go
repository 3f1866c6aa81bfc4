// Package sync pulls messages from IMAP accounts into the archive.
package sync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/credentials"
	"github.com/bernsteinhq/bernstein/internal/database"
	imapPkg "github.com/bernsteinhq/bernstein/internal/imap"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/bernsteinhq/bernstein/internal/mailbox"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/bernsteinhq/bernstein/internal/oauth2"
	"github.com/rs/zerolog"
)

// uidFetchFallbackBatchSize is the batch size for the UID SEARCH ALL
// fallback path.
const uidFetchFallbackBatchSize = 200

// Summary aggregates the result of one account sync.
type Summary struct {
	MailboxesSeen    int
	MailboxesSynced  int
	MessagesFetched  int64
	MessagesIngested int64
	HadMailboxErrors bool
}

// Progress is a snapshot emitted during sync so callers can update
// status displays. Delivery is best-effort.
type Progress struct {
	AccountEmail     string `json:"accountEmail"`
	MailboxName      string `json:"mailboxName"`
	MailboxIndex     int    `json:"mailboxIndex"`
	MailboxCount     int    `json:"mailboxCount"`
	MessagesFetched  int64  `json:"messagesFetched"`
	MessagesIngested int64  `json:"messagesIngested"`
}

// ProgressCallback is called with sync progress updates
type ProgressCallback func(progress Progress)

// Engine handles synchronization between IMAP servers and the archive
type Engine struct {
	db               *database.DB
	accounts         *account.Store
	mailboxes        *mailbox.Store
	messages         *message.Store
	events           *audit.Store
	secrets          credentials.SecretStore
	log              zerolog.Logger
	progressCallback ProgressCallback
}

// NewEngine creates a new sync engine
func NewEngine(db *database.DB, accounts *account.Store, mailboxes *mailbox.Store, messages *message.Store, events *audit.Store, secrets credentials.SecretStore) *Engine {
	return &Engine{
		db:        db,
		accounts:  accounts,
		mailboxes: mailboxes,
		messages:  messages,
		events:    events,
		secrets:   secrets,
		log:       logging.WithComponent("sync"),
	}
}

// SetProgressCallback sets the callback function for progress updates
func (e *Engine) SetProgressCallback(callback ProgressCallback) {
	e.progressCallback = callback
}

func (e *Engine) emitProgress(p Progress) {
	if e.progressCallback != nil {
		e.progressCallback(p)
	}
}

// AccountError records a failed account within an aggregate run.
type AccountError struct {
	AccountID    int64
	EmailAddress string
	Message      string
}

// AggregateSummary is the result of syncing every enabled account.
type AggregateSummary struct {
	AccountsSeen     int
	AccountsSynced   int
	MessagesImported int64
	Errors           []AccountError
}

// SyncAll syncs every enabled account sequentially. One account failing
// does not stop the others.
func (e *Engine) SyncAll(ctx context.Context) (*AggregateSummary, error) {
	accounts, err := e.accounts.ListEnabled()
	if err != nil {
		return nil, err
	}

	aggregate := &AggregateSummary{AccountsSeen: len(accounts)}

	for _, acc := range accounts {
		summary, err := e.SyncAccount(ctx, acc)
		if err != nil {
			e.log.Error().Err(err).Int64("account", acc.ID).Str("email", acc.EmailAddress).Msg("Account sync failed")
			aggregate.Errors = append(aggregate.Errors, AccountError{
				AccountID:    acc.ID,
				EmailAddress: acc.EmailAddress,
				Message:      err.Error(),
			})
			continue
		}
		aggregate.AccountsSynced++
		aggregate.MessagesImported += summary.MessagesIngested
	}

	return aggregate, nil
}

// SyncAccount runs one full sync pass for an account: authenticate,
// discover mailboxes, sync each enabled mailbox, then record a
// sync_finished checkpoint event.
func (e *Engine) SyncAccount(ctx context.Context, acc *account.Account) (*Summary, error) {
	summary := &Summary{}

	client, err := e.connect(ctx, acc)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	if err := e.discoverMailboxes(client, acc, summary); err != nil {
		return nil, err
	}

	all, err := e.mailboxes.List(acc.ID)
	if err != nil {
		return nil, err
	}
	var enabled []*mailbox.Mailbox
	for _, m := range all {
		if m.SyncEnabled && !m.HardExcluded {
			enabled = append(enabled, m)
		}
	}

	for i, m := range enabled {
		e.emitProgress(Progress{
			AccountEmail:     acc.EmailAddress,
			MailboxName:      m.IMAPName,
			MailboxIndex:     i + 1,
			MailboxCount:     len(enabled),
			MessagesFetched:  summary.MessagesFetched,
			MessagesIngested: summary.MessagesIngested,
		})

		// Errors in one mailbox do not abort the account; the cursor and
		// error are persisted and the next mailbox proceeds.
		if err := e.syncMailbox(ctx, client, acc, m, i+1, len(enabled), summary); err != nil {
			summary.HadMailboxErrors = true
			e.log.Warn().Err(err).
				Str("mailbox", m.IMAPName).
				Int64("account", acc.ID).
				Msg("Mailbox sync failed, continuing with next mailbox")
			continue
		}
		summary.MailboxesSynced++
	}

	status := "ok"
	if summary.HadMailboxErrors {
		status = "partial"
	}
	if err := e.createSyncFinishedEvent(acc.ID, status, summary.MessagesIngested); err != nil {
		return nil, err
	}

	e.log.Info().
		Int64("account", acc.ID).
		Str("status", status).
		Int64("imported", summary.MessagesIngested).
		Msg("Account sync finished")

	return summary, nil
}

// connect dials and authenticates per the account's auth kind. TLS is
// mandatory; non-TLS accounts are refused at creation already.
func (e *Engine) connect(ctx context.Context, acc *account.Account) (*imapPkg.Client, error) {
	config := imapPkg.DefaultConfig()
	config.Host = acc.IMAPHost
	config.Port = acc.IMAPPort
	config.Username = acc.IMAPUsername

	if !acc.IMAPTLS {
		return nil, fmt.Errorf("account %d is configured without TLS; refusing to connect", acc.ID)
	}

	switch acc.AuthKind {
	case account.AuthOAuth2:
		token, err := oauth2.EnsureFresh(ctx, e.secrets, acc.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain OAuth2 token: %w", err)
		}
		config.AuthType = imapPkg.AuthTypeOAuth2
		config.Username = acc.EmailAddress
		config.AccessToken = token
	default:
		password, err := e.secrets.Get(acc.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("failed to read account password: %w", err)
		}
		config.AuthType = imapPkg.AuthTypePassword
		config.Password = password
	}

	client := imapPkg.NewClient(config)
	if err := client.Connect(); err != nil {
		return nil, err
	}
	if err := client.Login(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// discoverMailboxes lists the server's folders and upserts them into the
// registry. The sync_enabled default applies only on first sight of a
// folder: hard-excluded folders stay off, auto mode archives everything
// else, manual mode starts with just INBOX.
func (e *Engine) discoverMailboxes(client *imapPkg.Client, acc *account.Account, summary *Summary) error {
	serverMailboxes, err := client.ListMailboxes()
	if err != nil {
		return err
	}
	summary.MailboxesSeen = len(serverMailboxes)

	autoArchive := acc.MailboxSelectionMode == account.SelectionAuto

	for _, mb := range serverMailboxes {
		hardExcluded := mb.NoSelect

		syncEnabled := false
		switch {
		case hardExcluded:
			syncEnabled = false
		case autoArchive:
			syncEnabled = true
		default:
			syncEnabled = strings.EqualFold(mb.Name, "INBOX")
		}

		_, err := e.mailboxes.Upsert(&mailbox.UpsertInput{
			AccountID:    acc.ID,
			IMAPName:     mb.Name,
			Delimiter:    mb.Delimiter,
			Attributes:   strings.Join(mb.Attributes, " "),
			SyncEnabled:  syncEnabled,
			HardExcluded: hardExcluded,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// syncMailbox runs the per-mailbox fetch protocol. On error the cursor is
// persisted with the highest successfully processed UID so the next run
// resumes instead of refetching.
func (e *Engine) syncMailbox(ctx context.Context, client *imapPkg.Client, acc *account.Account, m *mailbox.Mailbox, index, count int, summary *Summary) error {
	selected, err := client.SelectMailbox(ctx, m.IMAPName)
	if err != nil {
		e.persistCursorError(m, m.UIDValidity, m.LastSeenUID, err)
		return err
	}

	currentValidity := selected.UIDValidity
	lastSeenUID := m.LastSeenUID

	// A changed UIDVALIDITY invalidates every stored UID; restart from 0.
	if cursorInvalidated(m.UIDValidity, currentValidity) {
		e.log.Info().
			Str("mailbox", m.IMAPName).
			Uint32("stored", m.UIDValidity).
			Uint32("server", currentValidity).
			Msg("UIDVALIDITY changed, resetting cursor")
		lastSeenUID = 0
	}

	// Short-circuit: nothing new when UIDNEXT-1 is at or below the cursor.
	// A reset cursor (0) always attempts a fetch.
	if noNewMail(lastSeenUID, selected.UIDNext) {
		return e.mailboxes.UpdateCursor(m.ID, pickValidity(currentValidity, m.UIDValidity), lastSeenUID, audit.NowRFC3339(), "")
	}

	maxSeenUID := lastSeenUID
	var fetchedInMailbox int64

	ingest := func(fetched *imapPkg.FetchedMessage) error {
		if fetched.Oversized {
			// A single bad message must not wedge the mailbox: advance
			// the cursor past it and move on.
			e.log.Warn().
				Uint32("uid", fetched.UID).
				Str("mailbox", m.IMAPName).
				Int("limit", imapPkg.MaxMessageSize).
				Msg("Skipping oversized message")
			if fetched.UID > maxSeenUID {
				maxSeenUID = fetched.UID
			}
			return nil
		}

		summary.MessagesFetched++
		fetchedInMailbox++

		if err := e.ingestMessage(acc, m, currentValidity, fetched); err != nil {
			return err
		}

		summary.MessagesIngested++
		if fetched.UID > maxSeenUID {
			maxSeenUID = fetched.UID
		}

		e.emitProgress(Progress{
			AccountEmail:     acc.EmailAddress,
			MailboxName:      m.IMAPName,
			MailboxIndex:     index,
			MailboxCount:     count,
			MessagesFetched:  summary.MessagesFetched,
			MessagesIngested: summary.MessagesIngested,
		})
		return nil
	}

	if err := client.FetchSince(ctx, maxSeenUID, ingest); err != nil {
		e.persistCursorError(m, currentValidity, max32(maxSeenUID, m.LastSeenUID), err)
		return err
	}

	// Fallback for servers that accept 1:* but return nothing on it:
	// UID SEARCH ALL, then explicit batches.
	if lastSeenUID == 0 && fetchedInMailbox == 0 {
		uids, err := client.UIDSearchAll()
		if err != nil {
			e.persistCursorError(m, currentValidity, max32(maxSeenUID, m.LastSeenUID), err)
			return err
		}

		var toFetch []uint32
		for _, uid := range uids {
			if uid != 0 && uid > lastSeenUID {
				toFetch = append(toFetch, uid)
			}
		}

		for start := 0; start < len(toFetch); start += uidFetchFallbackBatchSize {
			end := start + uidFetchFallbackBatchSize
			if end > len(toFetch) {
				end = len(toFetch)
			}
			if err := client.FetchUIDs(ctx, toFetch[start:end], ingest); err != nil {
				e.persistCursorError(m, currentValidity, max32(maxSeenUID, m.LastSeenUID), err)
				return err
			}
		}
	}

	if lastSeenUID == 0 && selected.Exists > 0 && fetchedInMailbox == 0 {
		err := fmt.Errorf("mailbox %q reports %d messages, but fetched 0 (uidvalidity=%d, uidnext=%d)",
			m.IMAPName, selected.Exists, currentValidity, selected.UIDNext)
		e.persistCursorError(m, currentValidity, max32(maxSeenUID, m.LastSeenUID), err)
		return err
	}

	return e.mailboxes.UpdateCursor(m.ID, pickValidity(currentValidity, m.UIDValidity), maxSeenUID, audit.NowRFC3339(), "")
}

// ingestMessage hashes, extracts metadata and runs the atomic ingest
// transaction for one fetched message.
func (e *Engine) ingestMessage(acc *account.Account, m *mailbox.Mailbox, uidvalidity uint32, fetched *imapPkg.FetchedMessage) error {
	sum := sha256.Sum256(fetched.Raw)
	sha := hex.EncodeToString(sum[:])

	meta := extractMetadata(fetched.Raw)
	now := audit.NowRFC3339()

	var internalDate string
	if !fetched.InternalDate.IsZero() {
		internalDate = fetched.InternalDate.UTC().Format(time.RFC3339)
	}

	_, err := e.messages.Ingest(
		&message.BlobInput{
			SHA256:     sha,
			RawMIME:    fetched.Raw,
			ImportedAt: now,
			Metadata:   meta,
		},
		&message.LocationInput{
			AccountID:    acc.ID,
			MailboxID:    m.ID,
			UIDValidity:  uidvalidity,
			UID:          fetched.UID,
			InternalDate: internalDate,
			Flags:        strings.Join(fetched.Flags, ","),
			FirstSeenAt:  now,
			LastSeenAt:   now,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to ingest uid %d in %q: %w", fetched.UID, m.IMAPName, err)
	}
	return nil
}

// persistCursorError stores partial progress and the error on the
// mailbox row; failures here are logged only, the original error wins.
func (e *Engine) persistCursorError(m *mailbox.Mailbox, uidvalidity, lastSeenUID uint32, cause error) {
	if err := e.mailboxes.UpdateCursor(m.ID, pickValidity(uidvalidity, m.UIDValidity), lastSeenUID, audit.NowRFC3339(), cause.Error()); err != nil {
		e.log.Error().Err(err).Str("mailbox", m.IMAPName).Msg("Failed to persist mailbox cursor after error")
	}
}

// createSyncFinishedEvent appends the checkpoint event. The root hash and
// blob count are captured inside the same transaction so the checkpoint
// reflects exactly the committed archive state.
func (e *Engine) createSyncFinishedEvent(accountID int64, status string, imported int64) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rootHash, blobCount, err := message.RootHashTx(tx)
	if err != nil {
		return err
	}

	_, err = audit.AppendTx(tx, &audit.Input{
		OccurredAt: audit.NowRFC3339(),
		Kind:       audit.KindSyncFinished,
		AccountID:  &accountID,
		Detail: fmt.Sprintf(`{"status":%q,"messages_imported":%d,"messages_gone":0,"root_hash":%q,"blob_count":%d}`,
			status, imported, rootHash, blobCount),
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync_finished event: %w", err)
	}
	return nil
}

// cursorInvalidated reports whether the stored resume cursor belongs to
// a different UIDVALIDITY generation than the server's.
func cursorInvalidated(stored, server uint32) bool {
	return stored != 0 && server != 0 && stored != server
}

// noNewMail reports whether UIDNEXT proves the cursor is already at the
// newest message. Never true for a fresh or reset cursor.
func noNewMail(lastSeenUID, uidNext uint32) bool {
	return lastSeenUID > 0 && uidNext > 1 && uidNext-1 <= lastSeenUID
}

// pickValidity keeps the stored UIDVALIDITY when the server did not
// advertise one.
func pickValidity(server, stored uint32) uint32 {
	if server != 0 {
		return server
	}
	return stored
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
