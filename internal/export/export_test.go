package export

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/integrity"
	"github.com/bernsteinhq/bernstein/internal/mailbox"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db       *database.DB
	messages *message.Store
	events   *audit.Store
	exporter *Exporter
	doc      *DocumentationGenerator
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	accounts := account.NewStore(db)
	mailboxes := mailbox.NewStore(db)
	messages := message.NewStore(db)
	events := audit.NewStore(db)
	integrityEngine := integrity.NewEngine(db, messages, events)
	doc := NewDocumentationGenerator(db, accounts, mailboxes, events, integrityEngine)

	accountID, err := accounts.Create(&account.CreateInput{
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

	mailboxID, err := mailboxes.Upsert(&mailbox.UpsertInput{
		AccountID:   accountID,
		IMAPName:    "INBOX",
		SyncEnabled: true,
	})
	require.NoError(t, err)

	for i, raw := range []string{
		"Subject: one\r\n\r\nfirst body\r\n",
		"Subject: two, with \"quotes\"\r\n\r\nsecond body\r\n",
	} {
		sum := sha256.Sum256([]byte(raw))
		now := audit.NowRFC3339()
		_, err := messages.Ingest(
			&message.BlobInput{
				SHA256:     hex.EncodeToString(sum[:]),
				RawMIME:    []byte(raw),
				ImportedAt: now,
				Metadata:   message.Metadata{Subject: "subject, with \"comma\""},
			},
			&message.LocationInput{
				AccountID:   accountID,
				MailboxID:   mailboxID,
				UIDValidity: 10,
				UID:         uint32(i + 1),
				FirstSeenAt: now,
				LastSeenAt:  now,
			},
		)
		require.NoError(t, err)
	}

	return &fixture{
		db:       db,
		messages: messages,
		events:   events,
		exporter: NewExporter(messages, events, integrityEngine, doc),
		doc:      doc,
		dir:      dir,
	}
}

func readZipEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	entries := make(map[string][]byte)
	for _, f := range zr.File {
		require.Equal(t, zip.Store, f.Method, "entries must be stored, not compressed")
		r, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(r)
		require.NoError(t, err)
		r.Close()
		entries[f.Name] = data
	}
	return entries
}

func TestAuditorPackageLayout(t *testing.T) {
	f := newFixture(t)

	out := filepath.Join(f.dir, "export.zip")
	require.NoError(t, f.exporter.WriteAuditorPackage(out))

	entries := readZipEntries(t, out)
	for _, name := range []string{
		"index.csv", "events.jsonl", "proof_snapshot.json",
		"integrity_report.json", "verfahrensdokumentation.md",
	} {
		require.Contains(t, entries, name)
	}

	var emlCount int
	for name := range entries {
		if strings.HasPrefix(name, "messages/") {
			require.True(t, strings.HasSuffix(name, ".eml"))
			emlCount++
		}
	}
	require.Equal(t, 2, emlCount, "one .eml per unique blob")

	// index.csv header is the fixed column order.
	lines := strings.Split(string(entries["index.csv"]), "\n")
	require.Equal(t,
		"account_id,account_label,mailbox_name,uidvalidity,uid,internal_date,flags,message_blob_id,sha256,message_id,date_header,from_address,to_addresses,cc_addresses,subject,imported_at,eml_path",
		lines[0])
	require.Len(t, lines, 4, "header, two rows, trailing newline")

	// The export itself is audited.
	count, err := f.events.Count(audit.KindAuditorExport)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestAuditorPackageDeterminism(t *testing.T) {
	f := newFixture(t)

	first := filepath.Join(f.dir, "one.zip")
	second := filepath.Join(f.dir, "two.zip")
	require.NoError(t, f.exporter.WriteAuditorPackage(first))
	require.NoError(t, f.exporter.WriteAuditorPackage(second))

	entriesFirst := readZipEntries(t, first)
	entriesSecond := readZipEntries(t, second)

	require.Equal(t, string(entriesFirst["index.csv"]), string(entriesSecond["index.csv"]))
	for name, data := range entriesFirst {
		if strings.HasPrefix(name, "messages/") {
			require.Equal(t, data, entriesSecond[name])
		}
	}

	// events.jsonl grows by the audited export events between runs, but
	// the shared prefix is byte-identical.
	firstEvents := string(entriesFirst["events.jsonl"])
	secondEvents := string(entriesSecond["events.jsonl"])
	require.True(t, strings.HasPrefix(secondEvents, firstEvents))
}

func TestEmlExportRecordsEvent(t *testing.T) {
	f := newFixture(t)

	blobs, err := f.messages.ListBlobsForExport()
	require.NoError(t, err)
	require.NotEmpty(t, blobs)

	var buf strings.Builder
	require.NoError(t, f.exporter.WriteEml(blobs[0].ID, &buf))
	require.Contains(t, buf.String(), "Subject: one")

	count, err := f.events.Count(audit.KindMessageEmlExported)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestCsvEscape(t *testing.T) {
	require.Equal(t, "plain", csvEscape("plain"))
	require.Equal(t, `"a,b"`, csvEscape("a,b"))
	require.Equal(t, `"a""b"`, csvEscape(`a"b`))
	require.Equal(t, "\"a\nb\"", csvEscape("a\nb"))
}

func TestDocumentationPreservesTextOutsideMarkers(t *testing.T) {
	f := newFixture(t)

	// First run writes the template plus the generated section.
	text, err := f.doc.Ensure()
	require.NoError(t, err)
	require.Contains(t, text, autoBeginMarker)
	require.Contains(t, text, "Konto #1: Acme")

	// Operator edits outside the markers survive regeneration.
	custom := strings.Replace(text,
		"## 2. Verantwortlichkeiten",
		"## 2. Verantwortlichkeiten\n\nVerantwortlich: M. Mustermann", 1)
	require.NoError(t, os.WriteFile(f.doc.Path(), []byte(custom), 0600))

	regenerated, err := f.doc.Ensure()
	require.NoError(t, err)
	require.Contains(t, regenerated, "Verantwortlich: M. Mustermann")
	require.Contains(t, regenerated, autoEndMarker)

	count, err := f.events.Count(audit.KindDocumentationGenerated)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestReplaceBetweenMarkersErrors(t *testing.T) {
	_, err := replaceBetweenMarkers("no markers here", "block")
	require.Error(t, err)

	base := "a\n" + autoBeginMarker + "\nold\n" + autoEndMarker + "\nb\n"
	updated, err := replaceBetweenMarkers(base, autoBeginMarker+"\nnew\n"+autoEndMarker)
	require.NoError(t, err)
	require.Contains(t, updated, "new")
	require.NotContains(t, updated, "old")
}
