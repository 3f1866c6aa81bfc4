package oauth2

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/bernsteinhq/bernstein/internal/credentials"
	"github.com/bernsteinhq/bernstein/internal/logging"
	"github.com/google/uuid"
)

const (
	// callbackTimeout bounds the browser round-trip during authorization.
	callbackTimeout = 300 * time.Second

	// tokenExpiryBuffer is subtracted from the provider's expires_in so a
	// token is refreshed slightly before it actually expires.
	tokenExpiryBuffer = 120 * time.Second
)

// Distinct callback failures; the CSRF state mismatch and a missing code
// must be told apart (spec-relevant: the token never leaves the device in
// either case).
var (
	ErrStateMismatch = errors.New("authorization state mismatch")
	ErrMissingCode   = errors.New("authorization response carried no code")
)

// AuthorizeResult is the outcome of a completed authorization flow.
type AuthorizeResult struct {
	Email       string
	AccessToken string
}

// Authorize runs the full authorization-code + PKCE (S256) flow:
// it binds a loopback listener on an ephemeral port, opens the user's
// browser on Google's consent screen, waits for the redirect (bounded by
// callbackTimeout), exchanges the code and persists the token bundle
// under secretRef.
func Authorize(ctx context.Context, store credentials.SecretStore, config *ClientConfig, loginHint, secretRef string) (*AuthorizeResult, error) {
	log := logging.WithComponent("oauth2")

	verifier := generatePKCEVerifier()
	challenge := generatePKCEChallenge(verifier)
	state := uuid.NewString()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener: %w", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://127.0.0.1:%d", port)

	authURL := GoogleAuthEndpoint + "?" + url.Values{
		"client_id":             {config.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {GoogleScopes},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"login_hint":            {loginHint},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}.Encode()

	if err := openBrowser(authURL); err != nil {
		return nil, err
	}
	log.Info().Str("redirectURI", redirectURI).Msg("Waiting for OAuth callback")

	code, err := awaitCallback(ctx, listener, state)
	if err != nil {
		return nil, err
	}

	bundle, err := exchangeCode(ctx, config, code, redirectURI, verifier)
	if err != nil {
		return nil, err
	}

	if err := credentials.SaveTokenBundle(store, secretRef, bundle); err != nil {
		return nil, err
	}

	log.Info().Str("email", loginHint).Msg("OAuth authorization complete")
	return &AuthorizeResult{Email: loginHint, AccessToken: bundle.AccessToken}, nil
}

// EnsureFresh returns a valid access token for the account's secret_ref,
// refreshing it via the refresh-token grant when it is expired or about
// to expire. A refreshed bundle is written back to the secret store,
// carrying the old refresh token forward if Google did not rotate it.
func EnsureFresh(ctx context.Context, store credentials.SecretStore, secretRef string) (string, error) {
	bundle, err := credentials.LoadTokenBundle(store, secretRef)
	if err != nil {
		return "", err
	}

	if !isTokenExpired(bundle.ExpiresAtUTC) {
		return bundle.AccessToken, nil
	}

	config, err := LoadClientConfig(store)
	if err != nil {
		return "", err
	}

	refreshed, err := refreshToken(ctx, config, bundle.RefreshToken)
	if err != nil {
		return "", err
	}

	bundle.AccessToken = refreshed.AccessToken
	bundle.ExpiresAtUTC = refreshed.ExpiresAtUTC
	if refreshed.RefreshToken != "" {
		bundle.RefreshToken = refreshed.RefreshToken
	}

	if err := credentials.SaveTokenBundle(store, secretRef, bundle); err != nil {
		return "", err
	}

	return bundle.AccessToken, nil
}

func refreshToken(ctx context.Context, config *ClientConfig, refreshTokenValue string) (*credentials.TokenBundle, error) {
	if refreshTokenValue == "" {
		return nil, errors.New("no refresh token stored; re-authorization required")
	}

	return requestToken(ctx, url.Values{
		"client_id":     {config.ClientID},
		"client_secret": {config.ClientSecret},
		"refresh_token": {refreshTokenValue},
		"grant_type":    {"refresh_token"},
	})
}

func exchangeCode(ctx context.Context, config *ClientConfig, code, redirectURI, verifier string) (*credentials.TokenBundle, error) {
	return requestToken(ctx, url.Values{
		"code":          {code},
		"client_id":     {config.ClientID},
		"client_secret": {config.ClientSecret},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
		"code_verifier": {verifier},
	})
}

func requestToken(ctx context.Context, params url.Values) (*credentials.TokenBundle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, GoogleTokenEndpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s: %s", resp.Status, body)
	}

	var raw tokenResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	return &credentials.TokenBundle{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		ExpiresAtUTC: computeExpiresAt(raw.ExpiresIn),
	}, nil
}

// awaitCallback accepts the single redirect request, validates the CSRF
// state and extracts the authorization code. The user always gets an HTML
// answer in the browser; the token never appears in it.
func awaitCallback(ctx context.Context, listener net.Listener, expectedState string) (string, error) {
	type result struct {
		code string
		err  error
	}
	resultCh := make(chan result, 1)

	server := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()

			if errParam := query.Get("error"); errParam != "" {
				writeCallbackPage(w, "Authorization failed",
					fmt.Sprintf("Google returned an error: <strong>%s</strong>. Please close this window and try again.", html.EscapeString(errParam)))
				resultCh <- result{err: fmt.Errorf("authorization denied: %s", errParam)}
				return
			}

			if query.Get("state") != expectedState {
				writeCallbackPage(w, "Authorization failed",
					"Security check failed (state mismatch). Please close this window and try again.")
				resultCh <- result{err: ErrStateMismatch}
				return
			}

			code := query.Get("code")
			if code == "" {
				writeCallbackPage(w, "Authorization failed",
					"The authorization response carried no code. Please close this window and try again.")
				resultCh <- result{err: ErrMissingCode}
				return
			}

			writeCallbackPage(w, "Authorization successful",
				"You can close this window and return to <strong>Bernstein</strong>.")
			resultCh <- result{code: code}
		}),
	}
	go server.Serve(listener)
	defer server.Close()

	select {
	case res := <-resultCh:
		return res.code, res.err
	case <-time.After(callbackTimeout):
		return "", errors.New("timed out waiting for the browser callback")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func writeCallbackPage(w http.ResponseWriter, title, bodyHTML string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title>
<style>body{font-family:system-ui,sans-serif;display:flex;justify-content:center;align-items:center;min-height:80vh;color:#333}.card{text-align:center;max-width:400px}h2{margin-bottom:0.5em}</style></head>
<body><div class="card"><h2>%s</h2><p>%s</p></div></body></html>`,
		html.EscapeString(title), html.EscapeString(title), bodyHTML)
}

// generatePKCEVerifier builds a 96-character hex verifier from three
// UUIDv4s — well past RFC 7636's 256-bit recommendation and inside the
// allowed 43-128 character range.
func generatePKCEVerifier() string {
	v1 := strings.ReplaceAll(uuid.NewString(), "-", "")
	v2 := strings.ReplaceAll(uuid.NewString(), "-", "")
	v3 := strings.ReplaceAll(uuid.NewString(), "-", "")
	return v1 + v2 + v3
}

// generatePKCEChallenge derives base64url(sha256(verifier)) without padding.
func generatePKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// computeExpiresAt turns the provider's expires_in into an absolute
// RFC 3339 timestamp, minus the refresh safety buffer.
func computeExpiresAt(expiresIn int64) string {
	effective := time.Duration(expiresIn)*time.Second - tokenExpiryBuffer
	if effective < 0 {
		effective = 0
	}
	return time.Now().UTC().Add(effective).Format(time.RFC3339)
}

// isTokenExpired reports whether a stored expiry timestamp has passed.
// Unparseable timestamps count as expired so a refresh is forced.
func isTokenExpired(expiresAtUTC string) bool {
	expiresAt, err := time.Parse(time.RFC3339, expiresAtUTC)
	if err != nil {
		return true
	}
	return !time.Now().UTC().Before(expiresAt)
}

func openBrowser(rawURL string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", rawURL)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", rawURL)
	default:
		cmd = exec.Command("xdg-open", rawURL)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}
