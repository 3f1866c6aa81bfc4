package credentials

import (
	"encoding/json"
	"fmt"
)

// TokenBundle is the serialized OAuth2 state kept per account under its
// secret_ref.
type TokenBundle struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAtUTC string `json:"expires_at_utc"`
}

// LoadTokenBundle reads and decodes the token bundle for a secret_ref.
func LoadTokenBundle(store SecretStore, secretRef string) (*TokenBundle, error) {
	raw, err := store.Get(secretRef)
	if err != nil {
		return nil, fmt.Errorf("failed to load token bundle for %q: %w", secretRef, err)
	}

	bundle := &TokenBundle{}
	if err := json.Unmarshal([]byte(raw), bundle); err != nil {
		return nil, fmt.Errorf("failed to parse token bundle for %q: %w", secretRef, err)
	}
	return bundle, nil
}

// SaveTokenBundle encodes and stores the token bundle under a secret_ref.
func SaveTokenBundle(store SecretStore, secretRef string, bundle *TokenBundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("failed to encode token bundle: %w", err)
	}
	if err := store.Set(secretRef, string(raw)); err != nil {
		return fmt.Errorf("failed to store token bundle for %q: %w", secretRef, err)
	}
	return nil
}
