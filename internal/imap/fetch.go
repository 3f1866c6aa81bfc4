package imap

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// MaxMessageSize is the largest raw message the engine will read. The
// fetch stream reads one byte past it so oversized messages can be
// reported without buffering them whole.
const MaxMessageSize = 50 * 1024 * 1024

// FetchedMessage is one message streamed from a UID FETCH.
type FetchedMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Raw          []byte
	Oversized    bool // body exceeded MaxMessageSize; Raw is truncated
}

// fetchOptions is the fixed attribute set (UID FLAGS INTERNALDATE
// BODY.PEEK[]). Peek is mandatory: fetching must not set \Seen on the
// server.
func fetchOptions() *imap.FetchOptions {
	return &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection: []*imap.FetchItemBodySection{
			{
				Specifier: imap.PartSpecifierNone,
				Peek:      true,
			},
		},
	}
}

// FetchSince streams all messages with UID > lastSeenUID from the
// currently selected mailbox, invoking handler for each. The handler is
// called in server order; returning an error aborts the stream.
func (c *Client) FetchSince(ctx context.Context, lastSeenUID uint32, handler func(*FetchedMessage) error) error {
	uidSet := imap.UIDSet{}
	uidSet.AddRange(imap.UID(lastSeenUID+1), 0) // 0 = "*"
	return c.fetchUIDSet(ctx, uidSet, handler)
}

// FetchUIDs streams the given UIDs from the currently selected mailbox.
func (c *Client) FetchUIDs(ctx context.Context, uids []uint32, handler func(*FetchedMessage) error) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(imap.UID(uid))
	}
	return c.fetchUIDSet(ctx, uidSet, handler)
}

// fetchUIDSet streams messages one at a time instead of blocking on
// Collect(). This allows cancellation between messages and keeps memory
// bounded to a single message.
func (c *Client) fetchUIDSet(ctx context.Context, uidSet imap.UIDSet, handler func(*FetchedMessage) error) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}

	fetchCmd := c.client.Fetch(uidSet, fetchOptions())

	for {
		if ctx.Err() != nil {
			fetchCmd.Close()
			return ctx.Err()
		}

		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		fetched, err := c.collectMessage(msg)
		if err != nil {
			fetchCmd.Close()
			return err
		}
		if fetched.UID == 0 {
			c.log.Warn().Msg("Received FETCH response without UID, skipping")
			continue
		}

		if err := handler(fetched); err != nil {
			fetchCmd.Close()
			return err
		}
	}

	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

// collectMessage drains the per-message item stream.
func (c *Client) collectMessage(msg *imapclient.FetchMessageData) (*FetchedMessage, error) {
	fetched := &FetchedMessage{}

	for {
		item := msg.Next()
		if item == nil {
			break
		}

		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			fetched.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			for _, flag := range data.Flags {
				fetched.Flags = append(fetched.Flags, string(flag))
			}
		case imapclient.FetchItemDataInternalDate:
			fetched.InternalDate = data.Time
		case imapclient.FetchItemDataBodySection:
			if data.Literal == nil {
				c.log.Warn().Uint32("uid", fetched.UID).Msg("Body section has nil literal reader")
				continue
			}
			// Read one byte past the limit so oversize is detectable
			// without buffering the full message.
			raw, err := io.ReadAll(io.LimitReader(data.Literal, MaxMessageSize+1))
			if err != nil {
				return nil, fmt.Errorf("failed to read message body for uid %d: %w", fetched.UID, err)
			}
			if len(raw) > MaxMessageSize {
				fetched.Oversized = true
				raw = raw[:MaxMessageSize]
				// Drain the remainder so the stream stays in sync.
				if _, err := io.Copy(io.Discard, data.Literal); err != nil {
					return nil, fmt.Errorf("failed to drain oversized body for uid %d: %w", fetched.UID, err)
				}
			}
			fetched.Raw = raw
		}
	}

	return fetched, nil
}

// UIDSearchAll issues UID SEARCH ALL against the selected mailbox and
// returns the matching UIDs. Used as a fallback for servers that accept
// a 1:* fetch but return nothing on it.
func (c *Client) UIDSearchAll() ([]uint32, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	data, err := c.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH ALL failed: %w", err)
	}

	uids := data.AllUIDs()
	result := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		result = append(result, uint32(uid))
	}
	return result, nil
}
