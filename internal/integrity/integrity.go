// Package integrity verifies the audit chain and the blob root hash
// against the most recent sync checkpoint.
package integrity

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bernsteinhq/bernstein/internal/audit"
	"github.com/bernsteinhq/bernstein/internal/database"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/bernsteinhq/bernstein/internal/message"
	"github.com/rs/zerolog"
)

// ChainResult reports an event chain walk.
type ChainResult struct {
	CheckedEvents        int64  `json:"checked_events"`
	FirstMismatchEventID *int64 `json:"first_mismatch_event_id"`
}

// BlobMismatch is one blob whose recomputed hash differs from the stored one.
type BlobMismatch struct {
	MessageBlobID  int64  `json:"message_blob_id"`
	StoredSHA256   string `json:"stored_sha256"`
	ComputedSHA256 string `json:"computed_sha256"`
}

// BlobsResult reports a full blob content sweep.
type BlobsResult struct {
	CheckedMessageBlobs int64          `json:"checked_message_blobs"`
	Mismatches          []BlobMismatch `json:"mismatches"`
}

// Status is the combined verification verdict.
type Status struct {
	OK                   bool     `json:"ok"`
	ChainOK              bool     `json:"chain_ok"`
	ChainChecked         int64    `json:"chain_checked"`
	ChainFirstMismatch   *int64   `json:"chain_first_mismatch,omitempty"`
	RootHashOK           bool     `json:"root_hash_ok"`
	CurrentRootHash      string   `json:"current_root_hash"`
	CurrentBlobCount     int64    `json:"current_blob_count"`
	CheckpointRootHash   *string  `json:"checkpoint_root_hash,omitempty"`
	CheckpointBlobCount  *int64   `json:"checkpoint_blob_count,omitempty"`
	Issues               []string `json:"issues"`
}

// Engine runs verifications and records their outcome in the audit chain.
type Engine struct {
	db       *database.DB
	messages *message.Store
	events   *audit.Store
	log      zerolog.Logger
}

// NewEngine creates a new integrity engine
func NewEngine(db *database.DB, messages *message.Store, events *audit.Store) *Engine {
	return &Engine{
		db:       db,
		messages: messages,
		events:   events,
		log:      logging.WithComponent("integrity"),
	}
}

// VerifyChain walks all events in id order, checking that each row's
// prev_hash continues the chain and that its stored hash matches the
// recomputed one. Stops at the first mismatch.
func (e *Engine) VerifyChain() (*ChainResult, error) {
	rows, err := e.db.Query(`
		SELECT id, occurred_at, kind, account_id, mailbox_id, message_blob_id, detail, prev_hash, hash
		FROM events
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for verification: %w", err)
	}
	defer rows.Close()

	result := &ChainResult{}
	previousHash := audit.GenesisPrevHash

	for rows.Next() {
		result.CheckedEvents++

		var (
			id                             int64
			occurredAt, kind               string
			accountID, mailboxID, blobID   sql.NullInt64
			detail                         sql.NullString
			prevHash, storedHash           string
		)
		if err := rows.Scan(&id, &occurredAt, &kind, &accountID, &mailboxID, &blobID, &detail, &prevHash, &storedHash); err != nil {
			return nil, fmt.Errorf("failed to scan event for verification: %w", err)
		}

		if prevHash != previousHash {
			result.FirstMismatchEventID = &id
			return result, nil
		}

		// Historical rows may store NULL detail; hashing treats it as "{}".
		input := &audit.Input{
			OccurredAt:    occurredAt,
			Kind:          kind,
			AccountID:     nullInt(accountID),
			MailboxID:     nullInt(mailboxID),
			MessageBlobID: nullInt(blobID),
			Detail:        detail.String,
		}
		if audit.ComputeHash(prevHash, input) != storedHash {
			result.FirstMismatchEventID = &id
			return result, nil
		}

		previousHash = storedHash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events for verification: %w", err)
	}

	return result, nil
}

// VerifyBlobs recomputes the SHA-256 of every stored blob, reporting rows
// whose content no longer matches (or whose encoding is unsupported). The
// mismatch list is capped at maxMismatches.
func (e *Engine) VerifyBlobs(maxMismatches int) (*BlobsResult, error) {
	rows, err := e.db.Query(`
		SELECT id, sha256, stored_encoding, raw_mime
		FROM message_blobs
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query blobs for verification: %w", err)
	}
	defer rows.Close()

	result := &BlobsResult{Mismatches: []BlobMismatch{}}

	for rows.Next() {
		result.CheckedMessageBlobs++

		var (
			id       int64
			stored   string
			encoding string
			raw      []byte
		)
		if err := rows.Scan(&id, &stored, &encoding, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan blob for verification: %w", err)
		}

		if encoding != message.StoredEncodingRaw {
			result.Mismatches = append(result.Mismatches, BlobMismatch{
				MessageBlobID:  id,
				StoredSHA256:   stored,
				ComputedSHA256: fmt.Sprintf("unsupported stored_encoding=%s", encoding),
			})
			if len(result.Mismatches) >= maxMismatches {
				break
			}
			continue
		}

		sum := sha256.Sum256(raw)
		computed := hex.EncodeToString(sum[:])
		if computed != stored {
			result.Mismatches = append(result.Mismatches, BlobMismatch{
				MessageBlobID:  id,
				StoredSHA256:   stored,
				ComputedSHA256: computed,
			})
			if len(result.Mismatches) >= maxMismatches {
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blobs for verification: %w", err)
	}

	return result, nil
}

// VerifyIntegrity composes the chain walk with the root hash check.
func (e *Engine) VerifyIntegrity() (*Status, error) {
	status := &Status{Issues: []string{}}

	chain, err := e.VerifyChain()
	if err != nil {
		return nil, err
	}
	status.ChainChecked = chain.CheckedEvents
	status.ChainFirstMismatch = chain.FirstMismatchEventID
	status.ChainOK = chain.FirstMismatchEventID == nil
	if chain.FirstMismatchEventID != nil {
		status.Issues = append(status.Issues,
			fmt.Sprintf("Event hash chain broken at event id %d", *chain.FirstMismatchEventID))
	}

	if err := e.checkRootHash(status); err != nil {
		return nil, err
	}

	status.OK = status.ChainOK && status.RootHashOK
	return status, nil
}

// VerifyRootHashOnly is the quick check: it compares only the root hash
// and blob count against the latest sync checkpoint, skipping the chain
// walk.
func (e *Engine) VerifyRootHashOnly() (*Status, error) {
	status := &Status{ChainOK: true, Issues: []string{}}
	if err := e.checkRootHash(status); err != nil {
		return nil, err
	}
	status.OK = status.ChainOK && status.RootHashOK
	return status, nil
}

func (e *Engine) checkRootHash(status *Status) error {
	rootHash, err := e.messages.RootHash()
	if err != nil {
		return err
	}
	blobCount, err := e.messages.BlobCount()
	if err != nil {
		return err
	}
	status.CurrentRootHash = rootHash
	status.CurrentBlobCount = blobCount

	checkpointRoot, checkpointCount, ok, err := e.lastCheckpoint()
	if err != nil {
		return err
	}
	if !ok {
		// No checkpoint yet — vacuously ok.
		status.RootHashOK = true
		return nil
	}

	status.CheckpointRootHash = &checkpointRoot
	status.CheckpointBlobCount = &checkpointCount

	switch {
	case checkpointRoot != rootHash:
		status.RootHashOK = false
		status.Issues = append(status.Issues,
			fmt.Sprintf("Root hash mismatch: checkpoint=%s, current=%s", checkpointRoot, rootHash))
	case checkpointCount != blobCount:
		status.RootHashOK = false
		status.Issues = append(status.Issues,
			fmt.Sprintf("Blob count mismatch: checkpoint=%d, current=%d", checkpointCount, blobCount))
	default:
		status.RootHashOK = true
	}
	return nil
}

// lastCheckpoint extracts root_hash and blob_count from the most recent
// sync_finished event. Events without checkpoint data (or no events at
// all) report ok=false.
func (e *Engine) lastCheckpoint() (string, int64, bool, error) {
	detail, err := e.events.LastSyncFinishedDetail()
	if err != nil {
		return "", 0, false, err
	}
	if detail == "" {
		return "", 0, false, nil
	}

	var parsed struct {
		RootHash  *string `json:"root_hash"`
		BlobCount *int64  `json:"blob_count"`
	}
	if err := json.Unmarshal([]byte(detail), &parsed); err != nil {
		// Old-format or malformed detail — treat as checkpoint-absent.
		return "", 0, false, nil
	}
	if parsed.RootHash == nil || parsed.BlobCount == nil {
		return "", 0, false, nil
	}
	return *parsed.RootHash, *parsed.BlobCount, true, nil
}

// RecordResult appends the verification outcome to the audit chain: a
// clean run becomes integrity_check, an anomaly becomes
// tampering_detected carrying the issues. The record itself extends the
// chain, so tampering after the fact stays detectable.
func (e *Engine) RecordResult(status *Status, checkKind string) error {
	if status.OK {
		_, err := e.events.Append(&audit.Input{
			OccurredAt: audit.NowRFC3339(),
			Kind:       audit.KindIntegrityCheck,
			Detail:     fmt.Sprintf(`{"result":"ok","kind":%q}`, checkKind),
		})
		return err
	}

	issues := make([]string, 0, len(status.Issues))
	for _, issue := range status.Issues {
		encoded, err := json.Marshal(issue)
		if err != nil {
			return fmt.Errorf("failed to encode integrity issue: %w", err)
		}
		issues = append(issues, string(encoded))
	}

	e.log.Error().Strs("issues", status.Issues).Msg("Tampering detected")

	_, err := e.events.Append(&audit.Input{
		OccurredAt: audit.NowRFC3339(),
		Kind:       audit.KindTamperingDetected,
		Detail: fmt.Sprintf(`{"chain_ok":%t,"root_hash_ok":%t,"issues":[%s]}`,
			status.ChainOK, status.RootHashOK, strings.Join(issues, ",")),
	})
	return err
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
