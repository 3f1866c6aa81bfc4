package imap

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Google.
// The initial response is `user={email}\x01auth=Bearer {token}\x01\x01`;
// the library base64-encodes it on the wire.
type xoauth2Client struct {
	username    string
	accessToken string
}

// NewXOAuth2Client creates a SASL client for AUTHENTICATE XOAUTH2.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (mech string, ir []byte, err error) {
	payload := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken)
	return "XOAUTH2", []byte(payload), nil
}

// Next handles the server challenge. XOAUTH2 servers send a base64 JSON
// error blob on failure and expect an empty response before the final NO.
func (c *xoauth2Client) Next(challenge []byte) (response []byte, err error) {
	return []byte{}, nil
}
