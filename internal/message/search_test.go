package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareFTSQueryQuotesAndSuffixes(t *testing.T) {
	require.Equal(t, `"hello"*`, prepareFTSQuery("hello"))
	require.Equal(t, `"hello"* AND "world"*`, prepareFTSQuery("hello world"))
}

func TestPrepareFTSQueryKeepsEmailAddressesAndPaths(t *testing.T) {
	require.Equal(t, `"alice@example.com"*`, prepareFTSQuery("alice@example.com"))
	require.Equal(t, `"inbox/archive:2024"*`, prepareFTSQuery("inbox/archive:2024"))
}

func TestPrepareFTSQueryNeverEmitsBareOperators(t *testing.T) {
	// FTS5 keywords and operator characters from user input must always
	// end up inside quotes.
	for _, hostile := range []string{
		"AND", "OR", "NOT", "NEAR",
		"foo AND bar", `foo" OR "bar`, "a* b(c) d^e",
		"NOT NOT NOT", "(((", "*",
	} {
		compiled := prepareFTSQuery(hostile)
		for _, token := range strings.Split(compiled, " AND ") {
			if token == "" {
				continue
			}
			require.True(t, strings.HasPrefix(token, `"`),
				"token %q from %q must be quoted", token, hostile)
			require.True(t, strings.HasSuffix(token, `"*`),
				"token %q from %q must be a quoted prefix query", token, hostile)
		}
	}
}

func TestPrepareFTSQueryDropsSymbolOnlyTokens(t *testing.T) {
	require.Empty(t, prepareFTSQuery("((( ))) *** !!!"))
	require.Empty(t, prepareFTSQuery("   "))
	require.Empty(t, prepareFTSQuery(""))
}

func TestPrepareFTSQueryTrimsEdges(t *testing.T) {
	// Leading/trailing non-alphanumerics are trimmed; inner survivors stay.
	require.Equal(t, `"report"*`, prepareFTSQuery("--report--"))
	require.Equal(t, `"a.b"*`, prepareFTSQuery(".a.b."))
}

func TestSearchFindsIngestedMessage(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	blob := testBlob("Subject: quarterly report\r\n\r\nnumbers inside\r\n")
	blob.Metadata = Metadata{Subject: "quarterly report", BodyText: "numbers inside"}
	_, err := store.Ingest(blob, testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)

	rows, err := store.Search("quarterly", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "quarterly report", rows[0].Subject)

	rows, err = store.Search("nomatch", 10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestSearchDegradesToNewestWithoutTokens(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	_, err := store.Ingest(testBlob(testRawMessage), testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)

	rows, err := store.Search("(((", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1, "operator-only query degrades to listing")
}

func TestListWithQueryFilters(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db)
	accountID, mailboxID := setupAccountWithInbox(t, db)

	first := testBlob("Subject: invoice 42\r\n\r\npay me\r\n")
	first.Metadata = Metadata{Subject: "invoice 42", BodyText: "pay me"}
	_, err := store.Ingest(first, testLocation(accountID, mailboxID, 10, 1))
	require.NoError(t, err)

	second := testBlob("Subject: lunch\r\n\r\nnoodles\r\n")
	second.Metadata = Metadata{Subject: "lunch", BodyText: "noodles"}
	_, err = store.Ingest(second, testLocation(accountID, mailboxID, 10, 2))
	require.NoError(t, err)

	rows, err := store.List(accountID, "", "invoice", 100, 0, NewestFirst)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "invoice 42", rows[0].Subject)
}
