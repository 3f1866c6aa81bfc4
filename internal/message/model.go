// Package message provides the content-addressed blob store and the
// location index that maps IMAP placements onto blobs.
package message

// StoredEncodingRaw is the only defined stored_encoding today. Blobs
// carrying anything else are refused on read.
const StoredEncodingRaw = "raw"

// Metadata holds the header fields extracted from a message for listing
// and full-text search. All fields are optional.
type Metadata struct {
	MessageID   string
	DateHeader  string
	FromAddress string
	ToAddresses string
	CcAddresses string
	Subject     string
	BodyText    string
}

// BlobInput describes a message blob to ingest.
type BlobInput struct {
	SHA256     string
	RawMIME    []byte
	ImportedAt string
	Metadata   Metadata
}

// LocationInput describes one placement of a blob in a mailbox.
type LocationInput struct {
	AccountID    int64
	MailboxID    int64
	UIDValidity  uint32
	UID          uint32
	InternalDate string
	Flags        string
	FirstSeenAt  string
	LastSeenAt   string
}

// BlobRaw is the raw content of one blob.
type BlobRaw struct {
	ID      int64
	SHA256  string
	RawMIME []byte
}

// BlobExportRow identifies one blob for the auditor package.
type BlobExportRow struct {
	ID     int64
	SHA256 string
}

// ListRow is one row of the archive listing (location joined with blob,
// mailbox and account).
type ListRow struct {
	ID            int64
	MessageBlobID int64
	Subject       string
	FromAddress   string
	DateHeader    string
	Snippet       string
	AccountID     int64
	AccountEmail  string
	MailboxID     int64
	MailboxName   string
}

// SearchRow is one full-text search hit.
type SearchRow struct {
	ID          int64
	Subject     string
	FromAddress string
	DateHeader  string
	Snippet     string
}

// AuditorIndexRow is one row of the auditor package index.csv.
type AuditorIndexRow struct {
	AccountID     int64
	AccountLabel  string
	MailboxName   string
	UIDValidity   uint32
	UID           uint32
	InternalDate  string
	Flags         string
	MessageBlobID int64
	SHA256        string
	MessageID     string
	DateHeader    string
	FromAddress   string
	ToAddresses   string
	CcAddresses   string
	Subject       string
	ImportedAt    string
}

// SortOrder controls listing order.
type SortOrder int

const (
	// NewestFirst sorts by the best-known message date, descending.
	NewestFirst SortOrder = iota
	// OldestFirst sorts by the best-known message date, ascending.
	OldestFirst
)

// DateRange is the span covered by the archive; empty strings when the
// archive holds no dated messages.
type DateRange struct {
	Oldest string
	Newest string
}

// Diagnostic summarises archive row counts and structural problems.
type Diagnostic struct {
	AccountsCount         int64
	MailboxesCount        int64
	MessageBlobsCount     int64
	MessageLocationsCount int64
	EventsCount           int64
	BlobsWithoutLocation  int64
}
