package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Anthropic OAuth endpoints and client identity. The client ID and redirect
// target are fixed by the provider; the login URL is shown to the user in
// chat and the resulting code#state reply is pasted back.
const (
	ProviderAnthropic = "anthropic"

	authorizeURL = "https://claude.ai/oauth/authorize"
	tokenURL     = "https://console.anthropic.com/v1/oauth/token"
	clientID     = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	redirectURI  = "https://console.anthropic.com/oauth/code/callback"
)

var oauthScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// expirySafetyBuffer is subtracted from the provider's stated token lifetime
// so we refresh before the provider-side cutoff.
const expirySafetyBuffer = time.Minute

// TokenResponse is the provider's token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// TokenClient talks to the provider's token endpoint.
type TokenClient struct {
	http     *http.Client
	tokenURL string
}

// NewTokenClient creates a token endpoint client. An empty endpoint uses
// the Anthropic production URL; tests point it at a local server.
func NewTokenClient(endpoint string) *TokenClient {
	if endpoint == "" {
		endpoint = tokenURL
	}
	return &TokenClient{
		http:     &http.Client{Timeout: 30 * time.Second},
		tokenURL: endpoint,
	}
}

// AuthorizeURL builds the authorization URL embedding the PKCE challenge.
func AuthorizeURL(challenge, state string) string {
	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(oauthScopes, " "))
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", state)
	return authorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code for tokens using the stored PKCE
// verifier.
func (c *TokenClient) Exchange(ctx context.Context, code, state, verifier string) (*TokenResponse, error) {
	return c.post(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     clientID,
		"code":          code,
		"state":         state,
		"redirect_uri":  redirectURI,
		"code_verifier": verifier,
	})
}

// Refresh trades a refresh token for a new access token.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     clientID,
		"refresh_token": refreshToken,
	})
}

func (c *TokenClient) post(ctx context.Context, body map[string]string) (*TokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		// Surface the provider's error body verbatim as the failure detail.
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var token TokenResponse
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}
	return &token, nil
}

// credentialFrom converts a token response into a stored credential with the
// safety buffer applied to the expiry.
func credentialFrom(token *TokenResponse, now time.Time) Credential {
	expires := now.Add(time.Duration(token.ExpiresIn)*time.Second - expirySafetyBuffer)
	return Credential{
		Type:    "oauth",
		Refresh: token.RefreshToken,
		Access:  token.AccessToken,
		Expires: expires.UnixMilli(),
	}
}
