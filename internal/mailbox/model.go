// Package mailbox tracks discovered IMAP mailboxes and their sync cursors
package mailbox

// Mailbox is one IMAP folder of an account.
type Mailbox struct {
	ID           int64
	AccountID    int64
	IMAPName     string
	Delimiter    string
	Attributes   string
	SyncEnabled  bool
	HardExcluded bool
	UIDValidity  uint32 // 0 = never observed
	LastSeenUID  uint32
	LastSyncAt   string
	LastError    string
	CreatedAt    string
	UpdatedAt    string
}

// UpsertInput describes a mailbox observed during discovery.
type UpsertInput struct {
	AccountID    int64
	IMAPName     string
	Delimiter    string
	Attributes   string
	SyncEnabled  bool
	HardExcluded bool
}
