package export

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bernsteinhq/bernstein/internal/account"
	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/integrity"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/bernsteinhq/bernstein/internal/mailbox"
	"github.com/rs/zerolog"
)

const documentationFilename = "verfahrensdokumentation.md"

// The section between these markers is regenerated from live state on
// every run; anything outside them is preserved so operators can extend
// the document.
const (
	autoBeginMarker = "<!-- BEGIN AUTO-GENERATED TECHNISCHE_SYSTEMDOKUMENTATION -->"
	autoEndMarker   = "<!-- END AUTO-GENERATED TECHNISCHE_SYSTEMDOKUMENTATION -->"
)

// Version is stamped into the generated documentation. Overridden at
// build time via -ldflags.
var Version = "dev"

// DocumentationGenerator maintains the Verfahrensdokumentation next to
// the archive file.
type DocumentationGenerator struct {
	db        *database.DB
	accounts  *account.Store
	mailboxes *mailbox.Store
	events    *audit.Store
	integrity *integrity.Engine
	log       zerolog.Logger
}

// NewDocumentationGenerator creates a documentation generator
func NewDocumentationGenerator(db *database.DB, accounts *account.Store, mailboxes *mailbox.Store, events *audit.Store, integrityEngine *integrity.Engine) *DocumentationGenerator {
	return &DocumentationGenerator{
		db:        db,
		accounts:  accounts,
		mailboxes: mailboxes,
		events:    events,
		integrity: integrityEngine,
		log:       logging.WithComponent("documentation"),
	}
}

// Path returns where the documentation lives: next to the archive file.
func (g *DocumentationGenerator) Path() string {
	return filepath.Join(filepath.Dir(g.db.Path()), documentationFilename)
}

// Ensure regenerates the auto section, writes the document to disk,
// records a documentation_generated event and returns the full text.
func (g *DocumentationGenerator) Ensure() (string, error) {
	path := g.Path()

	baseText := documentationTemplate
	if existing, err := os.ReadFile(path); err == nil {
		baseText = string(existing)
	}

	if !strings.Contains(baseText, autoBeginMarker) || !strings.Contains(baseText, autoEndMarker) {
		return "", fmt.Errorf("documentation at %s is missing the auto-generated section markers", path)
	}

	autoBlock, err := g.renderAutoSection()
	if err != nil {
		return "", err
	}

	updated, err := replaceBetweenMarkers(baseText, autoBlock)
	if err != nil {
		return "", err
	}

	if err := os.WriteFile(path, []byte(updated), 0600); err != nil {
		return "", fmt.Errorf("failed to write documentation: %w", err)
	}

	if _, err := g.events.Append(&audit.Input{
		OccurredAt: audit.NowRFC3339(),
		Kind:       audit.KindDocumentationGenerated,
		Detail:     `{"v":1}`,
	}); err != nil {
		return "", err
	}

	g.log.Debug().Str("path", path).Msg("Documentation regenerated")
	return updated, nil
}

func (g *DocumentationGenerator) renderAutoSection() (string, error) {
	schemaVersion, err := g.db.SchemaVersion()
	if err != nil {
		return "", err
	}
	snapshot, err := g.integrity.CreateProofSnapshot()
	if err != nil {
		return "", err
	}
	chain, err := g.integrity.VerifyChain()
	if err != nil {
		return "", err
	}
	accounts, err := g.accounts.List()
	if err != nil {
		return "", err
	}

	var lines []string
	push := func(line string) { lines = append(lines, line) }

	push(autoBeginMarker)
	push("")
	push("### Technische Systemdokumentation (automatisch generiert)")
	push("")

	push("**Software**")
	push("- Produkt: Bernstein")
	push(fmt.Sprintf("- Version: %s", Version))
	push(fmt.Sprintf("- Plattform: %s", platformName()))
	push("")

	push("**Archiv-Speicherort**")
	push(fmt.Sprintf("- SQLite-Datei: `%s`", g.db.Path()))
	push("")

	push("**Synchronisation (IMAP)**")
	push("- Standard-Intervall: 15 Minuten")
	push("- IMAP Flags werden nicht verändert (BODY.PEEK[]).")
	push("- Nicht selektierbare Ordner (\\Noselect) sind ausgeschlossen.")
	push("")

	push("**Konfiguration (ohne Geheimnisse)**")
	if len(accounts) == 0 {
		push("- (keine Konten konfiguriert)")
	}
	for _, acc := range accounts {
		tls := "nein"
		if acc.IMAPTLS {
			tls = "ja"
		}
		push(fmt.Sprintf("- Konto #%d: %s (%s, %s:%d, TLS=%s)",
			acc.ID, acc.Label, acc.EmailAddress, acc.IMAPHost, acc.IMAPPort, tls))

		mailboxes, err := g.mailboxes.List(acc.ID)
		if err != nil {
			return "", err
		}
		var included, excluded []string
		for _, m := range mailboxes {
			if m.SyncEnabled && !m.HardExcluded {
				included = append(included, m.IMAPName)
			} else {
				excluded = append(excluded, m.IMAPName)
			}
		}
		if len(included) > 0 {
			push(fmt.Sprintf("  - Archivierte Ordner: %s", strings.Join(included, ", ")))
		}
		if len(excluded) > 0 {
			push(fmt.Sprintf("  - Nicht archivierte Ordner: %s", strings.Join(excluded, ", ")))
		}
	}
	push("")

	push("**Datenbank / Schema**")
	push(fmt.Sprintf("- Schema-Version: %d", schemaVersion))
	push("- Tabellen: accounts, mailboxes, message_blobs, message_locations, events, messages_fts")
	push("- FTS5: Volltextsuche über Betreff und extrahierten Text")
	push("")

	push("**Integrität & Nachvollziehbarkeit (tamper-evidence)**")
	push("- Jede archivierte Nachricht wird als Originalbytefolge gespeichert.")
	push("- Für jede Nachricht wird ein SHA-256 Hash gespeichert (message_blobs.sha256).")
	push("- Event-Log ist hash-verkettet (prev_hash → hash).")
	firstMismatch := "kein"
	if chain.FirstMismatchEventID != nil {
		firstMismatch = fmt.Sprintf("%d", *chain.FirstMismatchEventID)
	}
	push(fmt.Sprintf("- Event-Chain-Check: geprüft=%d, erster Fehler=%s", chain.CheckedEvents, firstMismatch))
	push("")

	push("**Proof Snapshot**")
	push(fmt.Sprintf("- Zeitpunkt: %s", snapshot.CreatedAt))
	lastEventID, lastEventHash := "—", "—"
	if snapshot.LastEventID != nil {
		lastEventID = fmt.Sprintf("%d", *snapshot.LastEventID)
	}
	if snapshot.LastEventHash != nil {
		lastEventHash = *snapshot.LastEventHash
	}
	push(fmt.Sprintf("- Letztes Event: id=%s, hash=%s", lastEventID, lastEventHash))
	push(fmt.Sprintf("- Counts: accounts=%d, mailboxes=%d, blobs=%d, locations=%d, events=%d",
		snapshot.AccountsCount, snapshot.MailboxesCount, snapshot.MessageBlobsCount,
		snapshot.MessageLocationsCount, snapshot.EventsCount))
	push(fmt.Sprintf("- Root-Hash (message_blobs.sha256): %s", snapshot.MessageBlobsRootHash))
	push("")

	push(autoEndMarker)
	push("")

	return strings.Join(lines, "\n"), nil
}

func replaceBetweenMarkers(baseText, autoBlock string) (string, error) {
	beginIndex := strings.Index(baseText, autoBeginMarker)
	endIndex := strings.Index(baseText, autoEndMarker)
	if beginIndex < 0 || endIndex < 0 || endIndex < beginIndex {
		return "", fmt.Errorf("documentation markers are missing or out of order")
	}

	endInclusive := endIndex + len(autoEndMarker)
	return baseText[:beginIndex] + autoBlock + baseText[endInclusive:], nil
}

func platformName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	case "linux":
		return "Linux"
	default:
		return runtime.GOOS
	}
}
