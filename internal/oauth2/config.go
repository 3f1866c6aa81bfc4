// Package oauth2 implements the Google authorization-code flow with PKCE
// and refresh-token maintenance for XOAUTH2 IMAP authentication.
package oauth2

import (
	"encoding/json"
	"fmt"

	"github.com/bernsteinhq/bernstein/internal/credentials"
)

// Google endpoints and defaults.
const (
	GoogleAuthEndpoint  = "https://accounts.google.com/o/oauth2/v2/auth"
	GoogleTokenEndpoint = "https://oauth2.googleapis.com/token"

	// GoogleScopes are requested during authorization: full IMAP access
	// plus the email claim for display.
	GoogleScopes = "https://mail.google.com/ email"

	GoogleIMAPHost = "imap.gmail.com"
	GoogleIMAPPort = 993

	// googleClientKey is the secret_ref of the shared OAuth client config.
	googleClientKey = "oauth_app:google"
)

// ClientConfig is the OAuth application identity, persisted in the
// secret store so it never lands in the archive file.
type ClientConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// LoadClientConfig reads the shared Google client config.
func LoadClientConfig(store credentials.SecretStore) (*ClientConfig, error) {
	raw, err := store.Get(googleClientKey)
	if err != nil {
		return nil, fmt.Errorf("google OAuth client is not configured: %w", err)
	}

	config := &ClientConfig{}
	if err := json.Unmarshal([]byte(raw), config); err != nil {
		return nil, fmt.Errorf("failed to parse OAuth client config: %w", err)
	}
	return config, nil
}

// SaveClientConfig persists the shared Google client config.
func SaveClientConfig(store credentials.SecretStore, config *ClientConfig) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode OAuth client config: %w", err)
	}
	if err := store.Set(googleClientKey, string(raw)); err != nil {
		return fmt.Errorf("failed to store OAuth client config: %w", err)
	}
	return nil
}
