package message

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/mailbox"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

// setupAccountWithInbox creates one account and an INBOX mailbox.
func setupAccountWithInbox(t *testing.T, db *database.DB) (accountID, mailboxID int64) {
	t.Helper()

	accountID, err := account.NewStore(db).Create(&account.CreateInput{
		Label:                "Acme",
		EmailAddress:         "a@x",
		ProviderKind:         account.ProviderClassicIMAP,
		IMAPHost:             "imap.x",
		IMAPPort:             993,
		IMAPTLS:              true,
		IMAPUsername:         "a@x",
		AuthKind:             account.AuthPassword,
		SecretRef:            "k1",
		MailboxSelectionMode: account.SelectionAuto,
	})
	require.NoError(t, err)

	mailboxID, err = mailbox.NewStore(db).Upsert(&mailbox.UpsertInput{
		AccountID:   accountID,
		IMAPName:    "INBOX",
		SyncEnabled: true,
	})
	require.NoError(t, err)

	return accountID, mailboxID
}

func testBlob(raw string) *BlobInput {
	sum := sha256.Sum256([]byte(raw))
	return &BlobInput{
		SHA256:     hex.EncodeToString(sum[:]),
		RawMIME:    []byte(raw),
		ImportedAt: audit.NowRFC3339(),
		Metadata:   Metadata{Subject: "hi", BodyText: "body"},
	}
}

func testLocation(accountID, mailboxID int64, uidvalidity, uid uint32) *LocationInput {
	now := audit.NowRFC3339()
	return &LocationInput{
		AccountID:   accountID,
		MailboxID:   mailboxID,
		UIDValidity: uidvalidity,
		UID:         uid,
		FirstSeenAt: now,
		LastSeenAt:  now,
	}
}

const testRawMessage = "Subject: hi\r\n\r\nbody\r\n"

func TestIngestCreatesBlobLocationAndEvent(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	events := audit.NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	blobID, err := store.Ingest(testBlob(testRawMessage), testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)
	require.NotZero(t, blobID)

	blobs, err := store.BlobCount()
	require.NoError(t, err)
	require.Equal(t, int64(1), blobs)

	locations, err := store.LocationCount()
	require.NoError(t, err)
	require.Equal(t, int64(1), locations)

	archived, err := events.Count(audit.KindEmailArchived)
	require.NoError(t, err)
	require.Equal(t, int64(1), archived)

	total, err := events.Count("")
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, int64(2), "account_created plus email_archived")

	rows, err := store.List(0, "", "", 100, 0, NewestFirst)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "hi", rows[0].Subject)
}

func TestIngestDedupAcrossFolders(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	events := audit.NewStore(db)
	accountID, inboxID := setupAccountWithInbox(t, db)

	sentID, err := mailbox.NewStore(db).Upsert(&mailbox.UpsertInput{
		AccountID:   accountID,
		IMAPName:    "Sent",
		SyncEnabled: true,
	})
	require.NoError(t, err)

	_, err = store.Ingest(testBlob(testRawMessage), testLocation(accountID, inboxID, 10, 1))
	require.NoError(t, err)
	_, err = store.Ingest(testBlob(testRawMessage), testLocation(accountID, sentID, 20, 1))
	require.NoError(t, err)

	blobs, err := store.BlobCount()
	require.NoError(t, err)
	require.Equal(t, int64(1), blobs, "same bytes dedup to one blob")

	locations, err := store.LocationCount()
	require.NoError(t, err)
	require.Equal(t, int64(2), locations)

	archived, err := events.Count(audit.KindEmailArchived)
	require.NoError(t, err)
	require.Equal(t, int64(1), archived, "exactly one email_archived despite two locations")
}

func TestInsertBlobIfAbsentIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	id1, created1, err := store.InsertBlobIfAbsent(testBlob(testRawMessage))
	require.NoError(t, err)
	require.True(t, created1)

	id2, created2, err := store.InsertBlobIfAbsent(testBlob(testRawMessage))
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, id1, id2)
}

func TestUpsertLocationRefreshesOnConflict(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	blobID, err := store.Ingest(testBlob(testRawMessage), testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)

	// Same UID key with a different blob reference: the server's view wins.
	otherID, err := store.Ingest(testBlob("Subject: other\r\n\r\nother\r\n"),
		testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)
	require.NotEqual(t, blobID, otherID)

	locations, err := store.LocationCount()
	require.NoError(t, err)
	require.Equal(t, int64(1), locations, "conflicting key must update, not insert")

	var refBlob int64
	require.NoError(t, db.QueryRow(
		"SELECT message_blob_id FROM message_locations WHERE mailbox_id = ? AND uidvalidity = 10 AND uid = 1",
		mailboxID,
	).Scan(&refBlob))
	require.Equal(t, otherID, refBlob)
}

func TestGetRawRejectsUnsupportedEncoding(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	id, _, err := store.InsertBlobIfAbsent(testBlob(testRawMessage))
	require.NoError(t, err)

	_, err = db.Exec("UPDATE message_blobs SET stored_encoding = 'zstd' WHERE id = ?", id)
	require.NoError(t, err)

	_, err = store.GetRaw(id)
	require.Error(t, err)
	var encErr *UnsupportedEncodingError
	require.ErrorAs(t, err, &encErr)
	require.Equal(t, "zstd", encErr.StoredEncoding)
}

func TestGetRawRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	id, _, err := store.InsertBlobIfAbsent(testBlob(testRawMessage))
	require.NoError(t, err)

	raw, err := store.GetRaw(id)
	require.NoError(t, err)
	require.Equal(t, []byte(testRawMessage), raw.RawMIME)

	sum := sha256.Sum256(raw.RawMIME)
	require.Equal(t, hex.EncodeToString(sum[:]), raw.SHA256)
}

func TestRootHashChangesWithContentAndIsStable(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	_, _, err := store.InsertBlobIfAbsent(testBlob("message one"))
	require.NoError(t, err)
	hashAfterOne, err := store.RootHash()
	require.NoError(t, err)

	_, _, err = store.InsertBlobIfAbsent(testBlob("message two"))
	require.NoError(t, err)
	hashAfterTwo, err := store.RootHash()
	require.NoError(t, err)

	require.NotEqual(t, hashAfterOne, hashAfterTwo)

	// Recomputing without changes is stable.
	again, err := store.RootHash()
	require.NoError(t, err)
	require.Equal(t, hashAfterTwo, again)
}

func TestBlobDeletionRejected(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)

	_, _, err := store.InsertBlobIfAbsent(testBlob(testRawMessage))
	require.NoError(t, err)

	_, err = db.Exec("DELETE FROM message_blobs")
	require.Error(t, err, "delete-prevention trigger must reject blob deletion")

	count, err := store.BlobCount()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestListHidesDisabledAccounts(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accounts := account.NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	_, err := store.Ingest(testBlob(testRawMessage), testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)

	rows, err := store.List(0, "", "", 100, 0, NewestFirst)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, accounts.Remove(accountID))

	rows, err = store.List(0, "", "", 100, 0, NewestFirst)
	require.NoError(t, err)
	require.Empty(t, rows, "disabled accounts must be invisible to listing")
}

func TestListFiltersByMailboxNameCaseInsensitive(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	_, err := store.Ingest(testBlob(testRawMessage), testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)

	rows, err := store.List(0, "inbox", "", 100, 0, NewestFirst)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	rows, err = store.List(0, "Sent", "", 100, 0, NewestFirst)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDiagnoseCountsAndOrphans(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	_, err := store.Ingest(testBlob(testRawMessage), testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)
	_, _, err = store.InsertBlobIfAbsent(testBlob("orphan blob"))
	require.NoError(t, err)

	diag, err := store.Diagnose()
	require.NoError(t, err)
	require.Equal(t, int64(1), diag.AccountsCount)
	require.Equal(t, int64(2), diag.MessageBlobsCount)
	require.Equal(t, int64(1), diag.MessageLocationsCount)
	require.Equal(t, int64(1), diag.BlobsWithoutLocation)
}
