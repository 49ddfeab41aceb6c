package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// TokenResponse is the identity provider's token endpoint reply.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
}

// StatusError carries the identity provider's HTTP status so callers can
// treat 403 as permanent and everything else as transient.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.Code, e.Body)
}

// IsForbidden reports whether err is a provider 403.
func IsForbidden(err error) bool {
	se, ok := err.(*StatusError)
	if !ok {
		return false
	}
	return se.Code == http.StatusForbidden
}

// ClientOption customizes Client creation.
type ClientOption func(*Client)

// Client talks to the identity provider's token endpoint. The refresh grant
// has a bounded timeout; nothing here retries.
type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
	redirectURI  string
	httpClient   *http.Client
	now          func() time.Time
}

// NewClient creates a token-endpoint client.
func NewClient(clientID, clientSecret, tokenURL string, opts ...ClientOption) *Client {
	c := &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// WithHTTPClient overrides the HTTP client used for outbound calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRedirectURI sets the redirect used during code exchange.
func WithRedirectURI(uri string) ClientOption {
	return func(c *Client) {
		if uri != "" {
			c.redirectURI = uri
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func (c *Client) ensureCredentials() error {
	if strings.TrimSpace(c.clientID) == "" || strings.TrimSpace(c.clientSecret) == "" {
		return fmt.Errorf("oauth client credentials not configured")
	}
	return nil
}

// Refresh exchanges a refresh token for a fresh access token. Non-2xx
// responses surface as *StatusError.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	if err := c.ensureCredentials(); err != nil {
		return nil, err
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var tok TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	log.Debug("OAuth token refreshed")
	return &tok, nil
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenResponse, error) {
	if err := c.ensureCredentials(); err != nil {
		return nil, err
	}
	conf := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURI,
		Endpoint:     oauth2.Endpoint{TokenURL: c.tokenURL},
	}
	exchCtx := ctx
	if c.httpClient != nil {
		exchCtx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	token, err := conf.Exchange(exchCtx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	out := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		out.ExpiresIn = int64(token.Expiry.Sub(c.now()).Seconds())
	}
	return out, nil
}
