package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider represents OAuth providers
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

var (
	// ErrUnauthorized means BetterAuth rejected the user JWT.
	ErrUnauthorized = errors.New("betterauth rejected the user token")
	// ErrNoAccount means the user has not connected the provider.
	ErrNoAccount = errors.New("no account connected")
)

// Token represents OAuth tokens
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// BetterAuthClient fetches OAuth tokens from BetterAuth
type BetterAuthClient struct {
	baseURL string
	client  *http.Client
}

// NewBetterAuthClient creates client to fetch tokens from BetterAuth
func NewBetterAuthClient(authServerURL string) *BetterAuthClient {
	return &BetterAuthClient{
		baseURL: strings.TrimRight(authServerURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetToken fetches OAuth token from BetterAuth using user's JWT.
// BetterAuth owns storage and refresh of the provider tokens.
func (c *BetterAuthClient) GetToken(ctx context.Context, userJWT string, provider Provider) (*Token, error) {
	url := fmt.Sprintf("%s/api/auth/accounts/%s/token", c.baseURL, provider)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+userJWT)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%s token: %w", provider, ErrUnauthorized)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", provider, ErrNoAccount)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("%s token: empty access token", provider)
	}

	tok := &Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresAt > 0 {
		tok.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return tok, nil
}
