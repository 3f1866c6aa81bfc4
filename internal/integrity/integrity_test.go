package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/mailbox"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db        *database.DB
	messages  *message.Store
	events    *audit.Store
	engine    *Engine
	accountID int64
	mailboxID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	f := &fixture{
		db:       db,
		messages: message.NewStore(db),
		events:   audit.NewStore(db),
	}
	f.engine = NewEngine(db, f.messages, f.events)

	f.accountID, err = account.NewStore(db).Create(&account.CreateInput{
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

	f.mailboxID, err = mailbox.NewStore(db).Upsert(&mailbox.UpsertInput{
		AccountID:   f.accountID,
		IMAPName:    "INBOX",
		SyncEnabled: true,
	})
	require.NoError(t, err)

	return f
}

func (f *fixture) ingest(t *testing.T, raw string) int64 {
	t.Helper()
	sum := sha256.Sum256([]byte(raw))
	now := audit.NowRFC3339()
	blobID, err := f.messages.Ingest(
		&message.BlobInput{
			SHA256:     hex.EncodeToString(sum[:]),
			RawMIME:    []byte(raw),
			ImportedAt: now,
		},
		&message.LocationInput{
			AccountID:   f.accountID,
			MailboxID:   f.mailboxID,
			UIDValidity: 10,
			UID:         1,
			FirstSeenAt: now,
			LastSeenAt:  now,
		},
	)
	require.NoError(t, err)
	return blobID
}

// checkpoint appends a sync_finished event embedding the current root
// hash and blob count, like the sync engine does.
func (f *fixture) checkpoint(t *testing.T) {
	t.Helper()
	rootHash, err := f.messages.RootHash()
	require.NoError(t, err)
	blobCount, err := f.messages.BlobCount()
	require.NoError(t, err)

	_, err = f.events.Append(&audit.Input{
		OccurredAt: audit.NowRFC3339(),
		Kind:       audit.KindSyncFinished,
		AccountID:  &f.accountID,
		Detail: fmt.Sprintf(`{"status":"ok","messages_imported":1,"messages_gone":0,"root_hash":%q,"blob_count":%d}`,
			rootHash, blobCount),
	})
	require.NoError(t, err)
}

func TestVerifyChainCleanDatabase(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	result, err := f.engine.VerifyChain()
	require.NoError(t, err)
	require.Nil(t, result.FirstMismatchEventID)
	require.Equal(t, int64(2), result.CheckedEvents, "account_created and email_archived")
}

func TestVerifyChainDetectsDetailTamper(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	_, err := f.db.Exec("UPDATE events SET detail = '{\"forged\":true}' WHERE kind = ?", audit.KindEmailArchived)
	require.NoError(t, err)

	result, err := f.engine.VerifyChain()
	require.NoError(t, err)
	require.NotNil(t, result.FirstMismatchEventID)
}

func TestVerifyChainDetectsPrevHashTamper(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	_, err := f.db.Exec("UPDATE events SET prev_hash = ? WHERE id = 2", audit.GenesisPrevHash)
	require.NoError(t, err)

	result, err := f.engine.VerifyChain()
	require.NoError(t, err)
	require.NotNil(t, result.FirstMismatchEventID)
	require.Equal(t, int64(2), *result.FirstMismatchEventID)
}

func TestVerifyIntegrityVacuousWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	status, err := f.engine.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, status.OK)
	require.True(t, status.RootHashOK, "absent checkpoint is vacuously ok")
	require.Nil(t, status.CheckpointRootHash)
}

func TestVerifyIntegrityMatchesCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")
	f.checkpoint(t)

	status, err := f.engine.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, status.OK)
	require.True(t, status.ChainOK)
	require.True(t, status.RootHashOK)
	require.NotNil(t, status.CheckpointRootHash)
	require.Equal(t, status.CurrentRootHash, *status.CheckpointRootHash)
}

// Simulates the external tamper scenario: the attacker drops the
// delete-prevention triggers, removes the only blob and its
// email_archived event, and the next verification must flag both the
// chain and the root hash.
func TestVerifyIntegrityDetectsSelectiveDeletion(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")
	f.checkpoint(t)

	_, err := f.db.Exec("DROP TRIGGER prevent_delete_message_blobs")
	require.NoError(t, err)
	_, err = f.db.Exec("DROP TRIGGER prevent_delete_events")
	require.NoError(t, err)
	_, err = f.db.Exec("DELETE FROM events WHERE kind = ?", audit.KindEmailArchived)
	require.NoError(t, err)
	_, err = f.db.Exec("DELETE FROM message_locations")
	require.NoError(t, err)
	_, err = f.db.Exec("DELETE FROM message_blobs")
	require.NoError(t, err)

	status, err := f.engine.VerifyIntegrity()
	require.NoError(t, err)
	require.False(t, status.OK)
	require.False(t, status.ChainOK, "missing event must break the chain")
	require.False(t, status.RootHashOK, "missing blob must break the root hash")
	require.NotEmpty(t, status.Issues)

	// Recording the result must append a tampering_detected event.
	require.NoError(t, f.engine.RecordResult(status, "full"))
	count, err := f.events.Count(audit.KindTamperingDetected)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestVerifyRootHashOnlyDetectsBlobCountDrift(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")
	f.checkpoint(t)

	// A new blob after the checkpoint changes root hash and count.
	sum := sha256.Sum256([]byte("another message"))
	_, _, err := f.messages.InsertBlobIfAbsent(&message.BlobInput{
		SHA256:     hex.EncodeToString(sum[:]),
		RawMIME:    []byte("another message"),
		ImportedAt: audit.NowRFC3339(),
	})
	require.NoError(t, err)

	status, err := f.engine.VerifyRootHashOnly()
	require.NoError(t, err)
	require.False(t, status.OK)
	require.False(t, status.RootHashOK)
	require.True(t, status.ChainOK, "quick check skips the chain walk")
}

func TestVerifyBlobsDetectsContentTamper(t *testing.T) {
	f := newFixture(t)
	blobID := f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	// Rewrite the stored bytes without touching the hash column.
	_, err := f.db.Exec("UPDATE message_blobs SET raw_mime = ? WHERE id = ?", []byte("forged"), blobID)
	require.NoError(t, err)

	result, err := f.engine.VerifyBlobs(100)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.CheckedMessageBlobs)
	require.Len(t, result.Mismatches, 1)
	require.Equal(t, blobID, result.Mismatches[0].MessageBlobID)
}

func TestVerifyBlobsReportsUnsupportedEncoding(t *testing.T) {
	f := newFixture(t)
	blobID := f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	_, err := f.db.Exec("UPDATE message_blobs SET stored_encoding = 'zstd' WHERE id = ?", blobID)
	require.NoError(t, err)

	result, err := f.engine.VerifyBlobs(100)
	require.NoError(t, err)
	require.Len(t, result.Mismatches, 1)
	require.Contains(t, result.Mismatches[0].ComputedSHA256, "unsupported stored_encoding")
}

func TestRecordResultCleanAppendsIntegrityCheck(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	status, err := f.engine.VerifyIntegrity()
	require.NoError(t, err)
	require.True(t, status.OK)

	require.NoError(t, f.engine.RecordResult(status, "quick"))
	count, err := f.events.Count(audit.KindIntegrityCheck)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestProofSnapshotCountsAndTail(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "Subject: hi\r\n\r\nbody\r\n")

	snapshot, err := f.engine.CreateProofSnapshot()
	require.NoError(t, err)
	require.Equal(t, int64(1), snapshot.AccountsCount)
	require.Equal(t, int64(1), snapshot.MessageBlobsCount)
	require.Equal(t, int64(1), snapshot.MessageLocationsCount)
	require.Equal(t, int64(2), snapshot.EventsCount)
	require.NotNil(t, snapshot.LastEventID)
	require.NotNil(t, snapshot.LastEventHash)
	require.Len(t, snapshot.MessageBlobsRootHash, 64)
}
