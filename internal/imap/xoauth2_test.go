package imap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	client := NewXOAuth2Client("user@example.com", "token123")

	mech, ir, err := client.Start()
	require.NoError(t, err)
	require.Equal(t, "XOAUTH2", mech)
	require.Equal(t, "user=user@example.com\x01auth=Bearer token123\x01\x01", string(ir))
}

func TestXOAuth2ChallengeAnswersEmpty(t *testing.T) {
	client := NewXOAuth2Client("user@example.com", "token123")

	_, _, err := client.Start()
	require.NoError(t, err)

	// Servers send a base64 JSON error blob on failure; the client must
	// answer with an empty response so the final NO can arrive.
	resp, err := client.Next([]byte(`{"status":"400"}`))
	require.NoError(t, err)
	require.Empty(t, resp)
}
