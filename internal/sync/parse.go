package sync

import (
	"bytes"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html/charset"

	"github.com/bernsteinhq/bernstein/internal/message"
)

func init() {
	// Decode mislabeled or exotic charsets instead of failing the whole
	// message; x/net's charset reader falls back gracefully.
	gomessage.CharsetReader = func(charsetName string, r io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(charsetName, r)
	}
}

// maxBodyTextLen caps the extracted plain text kept for search. The raw
// message is stored in full regardless.
const maxBodyTextLen = 64 * 1024

// htmlStripper reduces HTML-only messages to their text for the search
// index.
var htmlStripper = bluemonday.StrictPolicy()

// extractMetadata pulls the header fields and a plain-text body out of a
// raw MIME message. Extraction is best-effort: a message that cannot be
// parsed is archived with empty metadata rather than rejected — the raw
// bytes are the record, the metadata only serves listing and search.
func extractMetadata(raw []byte) message.Metadata {
	var meta message.Metadata

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Header-only fallback: some messages fail body parsing but
		// still carry a readable header.
		if entity, entityErr := gomessage.Read(bytes.NewReader(raw)); entityErr == nil {
			fillHeaderMetadata(&meta, mail.Header{Header: entity.Header})
		}
		return meta
	}

	fillHeaderMetadata(&meta, mr.Header)

	// Walk the parts for a text body; prefer text/plain, fall back to
	// stripped text/html.
	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}

		switch contentType {
		case "text/plain":
			if meta.BodyText == "" {
				meta.BodyText = readCapped(part.Body)
			}
		case "text/html":
			if htmlBody == "" {
				htmlBody = readCapped(part.Body)
			}
		}
	}

	if meta.BodyText == "" && htmlBody != "" {
		meta.BodyText = strings.TrimSpace(htmlStripper.Sanitize(htmlBody))
	}

	return meta
}

func fillHeaderMetadata(meta *message.Metadata, header mail.Header) {
	if messageID, err := header.MessageID(); err == nil {
		meta.MessageID = messageID
	}
	if date, err := header.Date(); err == nil && !date.IsZero() {
		meta.DateHeader = date.UTC().Format(time.RFC3339)
	}
	if subject, err := header.Subject(); err == nil {
		meta.Subject = subject
	}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		meta.FromAddress = formatAddress(from[0])
	}
	if to, err := header.AddressList("To"); err == nil {
		meta.ToAddresses = formatAddressList(to)
	}
	if cc, err := header.AddressList("Cc"); err == nil {
		meta.CcAddresses = formatAddressList(cc)
	}
}

func formatAddressList(addrs []*mail.Address) string {
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if formatted := formatAddress(addr); formatted != "" {
			parts = append(parts, formatted)
		}
	}
	return strings.Join(parts, ", ")
}

func formatAddress(addr *mail.Address) string {
	if addr == nil || addr.Address == "" {
		return ""
	}
	if name := strings.TrimSpace(addr.Name); name != "" {
		return name + " <" + addr.Address + ">"
	}
	return addr.Address
}

func readCapped(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxBodyTextLen))
	if err != nil && len(data) == 0 {
		return ""
	}
	return string(data)
}
