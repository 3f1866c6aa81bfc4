package sync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractMetadataPlainMessage(t *testing.T) {
	raw := strings.Join([]string{
		"Message-ID: <abc123@example.com>",
		"Date: Wed, 01 May 2024 10:00:00 +0000",
		"From: Alice Example <alice@example.com>",
		"To: Bob <bob@example.com>, carol@example.com",
		"Cc: Dave <dave@example.com>",
		"Subject: quarterly report",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"the numbers are in",
		"",
	}, "\r\n")

	meta := extractMetadata([]byte(raw))
	require.Equal(t, "abc123@example.com", meta.MessageID)
	require.Equal(t, "2024-05-01T10:00:00Z", meta.DateHeader)
	require.Equal(t, "Alice Example <alice@example.com>", meta.FromAddress)
	require.Equal(t, "Bob <bob@example.com>, carol@example.com", meta.ToAddresses)
	require.Equal(t, "Dave <dave@example.com>", meta.CcAddresses)
	require.Equal(t, "quarterly report", meta.Subject)
	require.Contains(t, meta.BodyText, "the numbers are in")
}

func TestExtractMetadataHTMLOnlyFallsBackToStrippedText(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: html only",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><p>Hello <b>world</b></p><script>alert(1)</script></body></html>",
		"",
	}, "\r\n")

	meta := extractMetadata([]byte(raw))
	require.Contains(t, meta.BodyText, "Hello")
	require.Contains(t, meta.BodyText, "world")
	require.NotContains(t, meta.BodyText, "<b>")
	require.NotContains(t, meta.BodyText, "alert(1)")
}

func TestExtractMetadataMultipart(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Subject: multipart",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="BOUNDARY"`,
		"",
		"--BOUNDARY",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain version",
		"--BOUNDARY",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>html version</p>",
		"--BOUNDARY--",
		"",
	}, "\r\n")

	meta := extractMetadata([]byte(raw))
	require.Equal(t, "multipart", meta.Subject)
	require.Contains(t, meta.BodyText, "plain version", "text/plain wins over text/html")
}

func TestExtractMetadataGarbageIsBestEffort(t *testing.T) {
	// Unparseable input must not fail ingest; the raw bytes are the
	// record, metadata is advisory.
	meta := extractMetadata([]byte("\x00\x01\x02 not a mime message"))
	require.Empty(t, meta.MessageID)
	require.Empty(t, meta.Subject)
}

func TestPickValidity(t *testing.T) {
	require.Equal(t, uint32(11), pickValidity(11, 10), "server value wins")
	require.Equal(t, uint32(10), pickValidity(0, 10), "silent server keeps stored value")
	require.Equal(t, uint32(0), pickValidity(0, 0))
}

func TestMax32(t *testing.T) {
	require.Equal(t, uint32(7), max32(3, 7))
	require.Equal(t, uint32(7), max32(7, 3))
}
