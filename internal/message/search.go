package message

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxQueryLen is the longest user query accepted by callers.
const MaxQueryLen = 1000

// prepareFTSQuery turns a free-form user query into a safe FTS5 MATCH
// expression. Tokens are whitespace-split, stripped of operator
// characters, quoted and suffixed with * for prefix search, then joined
// with AND. Returns "" when nothing searchable survives.
func prepareFTSQuery(query string) string {
	var tokens []string
	for _, raw := range strings.Fields(query) {
		if token, ok := normalizeFTSToken(raw); ok {
			tokens = append(tokens, token)
		}
	}
	return strings.Join(tokens, " AND ")
}

// normalizeFTSToken filters a token to characters common in email content
// (alphanumerics plus @ . _ - + / \ :), trims non-alphanumeric edges and
// wraps the survivor in double quotes so FTS5 operators like AND/OR/NOT
// or NEAR can never pass through as bare keywords.
func normalizeFTSToken(token string) (string, bool) {
	var b strings.Builder
	for _, r := range token {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		switch r {
		case '@', '.', '_', '-', '+', '/', '\\', ':':
			b.WriteRune(r)
		}
	}

	trimmed := strings.TrimFunc(b.String(), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if trimmed == "" {
		return "", false
	}

	escaped := strings.ReplaceAll(trimmed, `"`, `""`)
	return `"` + escaped + `"*`, true
}

// Search runs a full-text query over blob metadata, ranked by relevance.
// With no searchable tokens it degrades to the newest blobs.
func (s *Store) Search(query string, limit int) ([]*SearchRow, error) {
	ftsQuery := prepareFTSQuery(query)

	var (
		sqlQuery string
		args     []any
	)
	if ftsQuery != "" {
		sqlQuery = `
			SELECT
				mb.id, COALESCE(mb.subject, ''), COALESCE(mb.from_address, ''),
				COALESCE(mb.date_header, ''),
				substr(COALESCE(mb.body_text, ''), 1, 200)
			FROM messages_fts
			JOIN message_blobs mb ON mb.id = messages_fts.rowid
			WHERE messages_fts MATCH ?
			ORDER BY bm25(messages_fts)
			LIMIT ?`
		args = []any{ftsQuery, limit}
	} else {
		sqlQuery = `
			SELECT
				id, COALESCE(subject, ''), COALESCE(from_address, ''),
				COALESCE(date_header, ''),
				substr(COALESCE(body_text, ''), 1, 200)
			FROM message_blobs
			ORDER BY id DESC
			LIMIT ?`
		args = []any{limit}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var result []*SearchRow
	for rows.Next() {
		r := &SearchRow{}
		if err := rows.Scan(&r.ID, &r.Subject, &r.FromAddress, &r.DateHeader, &r.Snippet); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate search rows: %w", err)
	}
	return result, nil
}

// List returns archive rows joined across locations, blobs, mailboxes and
// accounts. Disabled accounts and locations gone from the server are
// always filtered out. accountID of 0 means all accounts; mailboxName ""
// means all folders (matched case-insensitively otherwise); query ""
// lists without full-text filtering.
func (s *Store) List(accountID int64, mailboxName, query string, limit, offset int, order SortOrder) ([]*ListRow, error) {
	orderBy := "COALESCE(ml.internal_date, mb.date_header, mb.imported_at) DESC, ml.id DESC"
	if order == OldestFirst {
		orderBy = "COALESCE(ml.internal_date, mb.date_header, mb.imported_at) ASC, ml.id ASC"
	}

	ftsQuery := prepareFTSQuery(query)

	var (
		sqlQuery string
		args     []any
	)

	var mailboxArg any
	if mailboxName != "" {
		mailboxArg = mailboxName
	}
	var accountArg any
	if accountID != 0 {
		accountArg = accountID
	}

	if ftsQuery != "" {
		sqlQuery = `
			SELECT
				ml.id, ml.message_blob_id,
				COALESCE(mb.subject, ''), COALESCE(mb.from_address, ''),
				COALESCE(mb.date_header, ml.internal_date, ''),
				substr(COALESCE(mb.body_text, ''), 1, 200),
				a.id, a.email_address, m.id, m.imap_name
			FROM messages_fts
			JOIN message_blobs mb ON mb.id = messages_fts.rowid
			JOIN message_locations ml ON ml.message_blob_id = mb.id
			JOIN mailboxes m ON m.id = ml.mailbox_id
			JOIN accounts a ON a.id = ml.account_id
			WHERE messages_fts MATCH ?
				AND ml.gone_from_server_at IS NULL
				AND a.disabled = 0
				AND (? IS NULL OR m.imap_name = ? COLLATE NOCASE)
				AND (? IS NULL OR ml.account_id = ?)
			ORDER BY ` + orderBy + `
			LIMIT ? OFFSET ?`
		args = []any{ftsQuery, mailboxArg, mailboxArg, accountArg, accountArg, limit, offset}
	} else {
		sqlQuery = `
			SELECT
				ml.id, ml.message_blob_id,
				COALESCE(mb.subject, ''), COALESCE(mb.from_address, ''),
				COALESCE(mb.date_header, ml.internal_date, ''),
				substr(COALESCE(mb.body_text, ''), 1, 200),
				a.id, a.email_address, m.id, m.imap_name
			FROM message_locations ml
			JOIN message_blobs mb ON mb.id = ml.message_blob_id
			JOIN mailboxes m ON m.id = ml.mailbox_id
			JOIN accounts a ON a.id = ml.account_id
			WHERE ml.gone_from_server_at IS NULL
				AND a.disabled = 0
				AND (? IS NULL OR m.imap_name = ? COLLATE NOCASE)
				AND (? IS NULL OR ml.account_id = ?)
			ORDER BY ` + orderBy + `
			LIMIT ? OFFSET ?`
		args = []any{mailboxArg, mailboxArg, accountArg, accountArg, limit, offset}
	}

	rows, err := s.db.Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var result []*ListRow
	for rows.Next() {
		r := &ListRow{}
		if err := rows.Scan(
			&r.ID, &r.MessageBlobID, &r.Subject, &r.FromAddress, &r.DateHeader,
			&r.Snippet, &r.AccountID, &r.AccountEmail, &r.MailboxID, &r.MailboxName,
		); err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate list rows: %w", err)
	}
	return result, nil
}
