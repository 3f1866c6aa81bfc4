// Package export assembles auditor packages and procedural documentation.
package export

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/integrity"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/rs/zerolog"
)

// integrityMaxMismatches caps the mismatch list in the integrity report.
const integrityMaxMismatches = 100

// Exporter produces auditor packages from the archive.
type Exporter struct {
	messages  *message.Store
	events    *audit.Store
	integrity *integrity.Engine
	doc       *DocumentationGenerator
	log       zerolog.Logger
}

// NewExporter creates a new exporter
func NewExporter(messages *message.Store, events *audit.Store, integrityEngine *integrity.Engine, doc *DocumentationGenerator) *Exporter {
	return &Exporter{
		messages:  messages,
		events:    events,
		integrity: integrityEngine,
		doc:       doc,
		log:       logging.WithComponent("export"),
	}
}

type integrityReport struct {
	CreatedAt    string                 `json:"created_at"`
	EventChain   *integrity.ChainResult `json:"event_chain"`
	MessageBlobs *integrity.BlobsResult `json:"message_blobs"`
}

// WriteAuditorPackage writes the deterministic auditor ZIP to outputPath
// and appends an auditor_export event on success. All entries are STORED
// (no compression) so the package contents are byte-inspectable.
func (e *Exporter) WriteAuditorPackage(outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0700); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	documentationText, err := e.doc.Ensure()
	if err != nil {
		return err
	}

	snapshot, err := e.integrity.CreateProofSnapshot()
	if err != nil {
		return err
	}
	chain, err := e.integrity.VerifyChain()
	if err != nil {
		return err
	}
	blobsCheck, err := e.integrity.VerifyBlobs(integrityMaxMismatches)
	if err != nil {
		return err
	}

	indexRows, err := e.messages.ListAuditorIndexRows()
	if err != nil {
		return err
	}
	events, err := e.events.ListAllForExport()
	if err != nil {
		return err
	}

	report := integrityReport{
		CreatedAt:    snapshot.CreatedAt,
		EventChain:   chain,
		MessageBlobs: blobsCheck,
	}

	snapshotJSON, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode proof snapshot: %w", err)
	}
	reportJSON, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode integrity report: %w", err)
	}
	eventsJSONL, err := buildEventsJSONL(events)
	if err != nil {
		return err
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	zw := zip.NewWriter(file)

	entries := []struct {
		name string
		data []byte
	}{
		{"index.csv", []byte(buildIndexCSV(indexRows))},
		{"events.jsonl", eventsJSONL},
		{"proof_snapshot.json", snapshotJSON},
		{"integrity_report.json", reportJSON},
		{"verfahrensdokumentation.md", []byte(documentationText)},
	}
	for _, entry := range entries {
		if err := writeZipEntry(zw, entry.name, entry.data); err != nil {
			return err
		}
	}

	// One .eml per unique blob, named by content hash.
	blobs, err := e.messages.ListBlobsForExport()
	if err != nil {
		return err
	}
	for _, blob := range blobs {
		raw, err := e.messages.GetRaw(blob.ID)
		if err != nil {
			return err
		}
		if err := writeZipEntry(zw, "messages/"+raw.SHA256+".eml", raw.RawMIME); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish export archive: %w", err)
	}

	if _, err := e.events.Append(&audit.Input{
		OccurredAt: audit.NowRFC3339(),
		Kind:       audit.KindAuditorExport,
		Detail:     `{"v":1}`,
	}); err != nil {
		return err
	}

	e.log.Info().
		Str("path", outputPath).
		Int("messages", len(blobs)).
		Int("events", len(events)).
		Msg("Auditor package written")

	return nil
}

// writeZipEntry adds one STORED entry with a zeroed timestamp so the
// archive layout is deterministic across runs.
func writeZipEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:   name,
		Method: zip.Store,
	})
	if err != nil {
		return fmt.Errorf("failed to create zip entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write zip entry %s: %w", name, err)
	}
	return nil
}

// indexCSVHeaders is the fixed column order of index.csv.
var indexCSVHeaders = []string{
	"account_id", "account_label", "mailbox_name", "uidvalidity", "uid",
	"internal_date", "flags", "message_blob_id", "sha256", "message_id",
	"date_header", "from_address", "to_addresses", "cc_addresses",
	"subject", "imported_at", "eml_path",
}

func buildIndexCSV(rows []*message.AuditorIndexRow) string {
	var b strings.Builder
	b.WriteString(strings.Join(indexCSVHeaders, ","))
	b.WriteByte('\n')

	for _, row := range rows {
		fields := []string{
			fmt.Sprintf("%d", row.AccountID),
			row.AccountLabel,
			row.MailboxName,
			fmt.Sprintf("%d", row.UIDValidity),
			fmt.Sprintf("%d", row.UID),
			row.InternalDate,
			row.Flags,
			fmt.Sprintf("%d", row.MessageBlobID),
			row.SHA256,
			row.MessageID,
			row.DateHeader,
			row.FromAddress,
			row.ToAddresses,
			row.CcAddresses,
			row.Subject,
			row.ImportedAt,
			"messages/" + row.SHA256 + ".eml",
		}
		escaped := make([]string, len(fields))
		for i, f := range fields {
			escaped[i] = csvEscape(f)
		}
		b.WriteString(strings.Join(escaped, ","))
		b.WriteByte('\n')
	}
	return b.String()
}

// csvEscape applies RFC 4180 quoting: a field is quoted only when it
// contains a comma, quote or line break, with inner quotes doubled.
func csvEscape(value string) string {
	if !strings.ContainsAny(value, ",\"\n\r") {
		return value
	}
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

type eventLine struct {
	ID            int64   `json:"id"`
	OccurredAt    string  `json:"occurred_at"`
	Kind          string  `json:"kind"`
	AccountID     *int64  `json:"account_id"`
	MailboxID     *int64  `json:"mailbox_id"`
	MessageBlobID *int64  `json:"message_blob_id"`
	Detail        *string `json:"detail"`
	PrevHash      string  `json:"prev_hash"`
	Hash          string  `json:"hash"`
}

func buildEventsJSONL(events []*audit.Event) ([]byte, error) {
	var b strings.Builder
	for _, e := range events {
		line := eventLine{
			ID:         e.ID,
			OccurredAt: e.OccurredAt,
			Kind:       e.Kind,
			PrevHash:   e.PrevHash,
			Hash:       e.Hash,
		}
		if e.AccountID.Valid {
			line.AccountID = &e.AccountID.Int64
		}
		if e.MailboxID.Valid {
			line.MailboxID = &e.MailboxID.Int64
		}
		if e.MessageBlobID.Valid {
			line.MessageBlobID = &e.MessageBlobID.Int64
		}
		if e.Detail.Valid {
			line.Detail = &e.Detail.String
		}

		encoded, err := json.Marshal(line)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %d: %w", e.ID, err)
		}
		b.Write(encoded)
		b.WriteByte('\n')
	}
	return []byte(b.String()), nil
}

// WriteEml writes one message's raw bytes to w and appends a
// message_eml_exported event (no path is recorded in the chain).
func (e *Exporter) WriteEml(blobID int64, w io.Writer) error {
	raw, err := e.messages.GetRaw(blobID)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw.RawMIME); err != nil {
		return fmt.Errorf("failed to write eml: %w", err)
	}

	_, err = e.events.Append(&audit.Input{
		OccurredAt:    audit.NowRFC3339(),
		Kind:          audit.KindMessageEmlExported,
		MessageBlobID: &blobID,
		Detail:        `{"v":1}`,
	})
	return err
}
