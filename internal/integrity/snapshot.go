package integrity

import (
	"github.com/bernsteinhq/bernstein/internal/audit"
)

// ProofSnapshot freezes the externally checkable state of the archive at
// one point in time: row counts, the chain tail and the blob root hash.
type ProofSnapshot struct {
	CreatedAt             string  `json:"created_at"`
	LastEventID           *int64  `json:"last_event_id"`
	LastEventHash         *string `json:"last_event_hash"`
	AccountsCount         int64   `json:"accounts_count"`
	MailboxesCount        int64   `json:"mailboxes_count"`
	MessageBlobsCount     int64   `json:"message_blobs_count"`
	MessageLocationsCount int64   `json:"message_locations_count"`
	EventsCount           int64   `json:"events_count"`
	MessageBlobsRootHash  string  `json:"message_blobs_root_hash"`
}

// CreateProofSnapshot captures the current archive state.
func (e *Engine) CreateProofSnapshot() (*ProofSnapshot, error) {
	snapshot := &ProofSnapshot{CreatedAt: audit.NowRFC3339()}

	last, err := e.events.LastEvent()
	if err != nil {
		return nil, err
	}
	if last != nil {
		snapshot.LastEventID = &last.ID
		snapshot.LastEventHash = &last.Hash
	}

	diag, err := e.messages.Diagnose()
	if err != nil {
		return nil, err
	}
	snapshot.AccountsCount = diag.AccountsCount
	snapshot.MailboxesCount = diag.MailboxesCount
	snapshot.MessageBlobsCount = diag.MessageBlobsCount
	snapshot.MessageLocationsCount = diag.MessageLocationsCount
	snapshot.EventsCount = diag.EventsCount

	rootHash, err := e.messages.RootHash()
	if err != nil {
		return nil, err
	}
	snapshot.MessageBlobsRootHash = rootHash

	return snapshot, nil
}
