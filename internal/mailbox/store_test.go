package mailbox

import (
	"testing"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *database.DB, int64) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

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

	return NewStore(db), db, accountID
}

func TestUpsertIsIdempotent(t *testing.T) {
	store, _, accountID := newTestStore(t)

	id1, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "INBOX", SyncEnabled: true})
	require.NoError(t, err)
	id2, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "INBOX", SyncEnabled: true})
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	mailboxes, err := store.List(accountID)
	require.NoError(t, err)
	require.Len(t, mailboxes, 1)
}

func TestUpsertPreservesUserSyncChoice(t *testing.T) {
	store, _, accountID := newTestStore(t)

	// First discovery in manual mode: folder starts disabled.
	id, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "Sent", SyncEnabled: false})
	require.NoError(t, err)

	// User opts in.
	require.NoError(t, store.SetSyncEnabled(id, true))

	// The next discovery must not downgrade the user's choice.
	_, err = store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "Sent", SyncEnabled: false})
	require.NoError(t, err)

	m, err := store.Get(id)
	require.NoError(t, err)
	require.True(t, m.SyncEnabled, "discovery upsert must not override sync_enabled")
}

func TestUpsertHardExcludedForcesSyncOff(t *testing.T) {
	store, _, accountID := newTestStore(t)

	id, err := store.Upsert(&UpsertInput{
		AccountID:    accountID,
		IMAPName:     "[Gmail]",
		Attributes:   `\Noselect \HasChildren`,
		SyncEnabled:  true,
		HardExcluded: true,
	})
	require.NoError(t, err)

	m, err := store.Get(id)
	require.NoError(t, err)
	require.True(t, m.HardExcluded)
	require.False(t, m.SyncEnabled, "hard-excluded mailbox must never be sync-enabled")
}

func TestUpsertExistingBecomesHardExcluded(t *testing.T) {
	store, _, accountID := newTestStore(t)

	id, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "Old", SyncEnabled: true})
	require.NoError(t, err)

	// Server now reports the folder as non-selectable.
	_, err = store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "Old", HardExcluded: true})
	require.NoError(t, err)

	m, err := store.Get(id)
	require.NoError(t, err)
	require.True(t, m.HardExcluded)
	require.False(t, m.SyncEnabled, "hard exclusion must force sync off on conflict too")
}

func TestSetSyncEnabledRecordsEvent(t *testing.T) {
	store, db, accountID := newTestStore(t)
	events := audit.NewStore(db)

	id, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "INBOX", SyncEnabled: true})
	require.NoError(t, err)

	require.NoError(t, store.SetSyncEnabled(id, false))

	count, err := events.Count(audit.KindMailboxSyncChanged)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSetSyncEnabledRejectsHardExcluded(t *testing.T) {
	store, _, accountID := newTestStore(t)

	id, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "[Gmail]", HardExcluded: true})
	require.NoError(t, err)

	require.Error(t, store.SetSyncEnabled(id, true))
}

func TestUpdateCursorRoundTrip(t *testing.T) {
	store, _, accountID := newTestStore(t)

	id, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "INBOX", SyncEnabled: true})
	require.NoError(t, err)

	require.NoError(t, store.UpdateCursor(id, 42, 17, "2024-05-01T10:00:00Z", ""))

	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, uint32(42), m.UIDValidity)
	require.Equal(t, uint32(17), m.LastSeenUID)
	require.Equal(t, "2024-05-01T10:00:00Z", m.LastSyncAt)
	require.Empty(t, m.LastError)

	// Error branch preserves the new cursor and records the message.
	require.NoError(t, store.UpdateCursor(id, 42, 17, "2024-05-01T10:05:00Z", "SELECT failed"))
	m, err = store.Get(id)
	require.NoError(t, err)
	require.Equal(t, "SELECT failed", m.LastError)
}

func TestUpdateCursorKeepsStoredValidityWhenServerSilent(t *testing.T) {
	store, _, accountID := newTestStore(t)

	id, err := store.Upsert(&UpsertInput{AccountID: accountID, IMAPName: "INBOX", SyncEnabled: true})
	require.NoError(t, err)

	require.NoError(t, store.UpdateCursor(id, 42, 5, "2024-05-01T10:00:00Z", ""))
	require.NoError(t, store.UpdateCursor(id, 0, 9, "2024-05-01T10:10:00Z", ""))

	m, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, uint32(42), m.UIDValidity, "server without UIDVALIDITY keeps the stored value")
	require.Equal(t, uint32(9), m.LastSeenUID)
}
