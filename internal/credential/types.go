package credential

import (
	"errors"
	"time"
)

// refreshSkewMs is subtracted from the token lifetime: a token within five
// minutes of expiry is treated as already expired.
const refreshSkewMs = 300_000

// ErrNoCredentials is returned when no enabled credential can be made valid.
var ErrNoCredentials = errors.New("no credentials available")

// Credential is one OAuth2 grant persisted in accounts.json. RefreshToken is
// the pool-wide identity of the record and must be unique.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IssuedAt     int64  `json:"issued_at"`
	Enabled      bool   `json:"enabled"`
	Email        string `json:"email,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
}

// expiryMs returns the moment the access token stops being usable, with the
// refresh skew already applied.
func (c *Credential) expiryMs() int64 {
	return c.IssuedAt + c.ExpiresIn*1000 - refreshSkewMs
}

// NeedsRefresh reports whether the access token must be refreshed before use.
func (c *Credential) NeedsRefresh(now time.Time) bool {
	return now.UnixMilli() >= c.expiryMs()
}

// Clone returns an independent copy.
func (c *Credential) Clone() *Credential {
	cp := *c
	return &cp
}

// Usage tracks in-memory per-credential counters keyed by refresh token.
type Usage struct {
	Requests   int64 `json:"requests"`
	LastUsedMs int64 `json:"last_used_ms"`
}

// PoolSnapshot is the observability view of the pool.
type PoolSnapshot struct {
	Total         int               `json:"total"`
	Enabled       int               `json:"enabled"`
	TotalRequests int64             `json:"total_requests"`
	Credentials   []CredentialUsage `json:"credentials"`
}

// CredentialUsage pairs a credential's identity with its counters.
type CredentialUsage struct {
	Email      string `json:"email,omitempty"`
	Enabled    bool   `json:"enabled"`
	Requests   int64  `json:"requests"`
	LastUsedMs int64  `json:"last_used_ms"`
}
