package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"geminigate-go/internal/oauth"
	"geminigate-go/internal/store"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// reloadInterval bounds how stale the in-memory enabled view may get before
// GetToken re-reads accounts.json.
const reloadInterval = 60 * time.Second

// Pool rotates OAuth credentials round-robin, refreshing them ahead of expiry
// and permanently disabling the ones the identity provider or the upstream
// reject with 403. All state mutations happen under the pool mutex; refresh
// I/O runs outside it and commits with a compare-update.
type Pool struct {
	store  *store.Store
	tokens *oauth.Client

	mu         sync.Mutex
	all        []*Credential
	enabled    []*Credential
	cursor     int
	usage      map[string]*Usage
	lastReload time.Time

	refreshGroup singleflight.Group
	now          func() time.Time
}

// NewPool creates a pool backed by the store's accounts file.
func NewPool(s *store.Store, tokens *oauth.Client) *Pool {
	return &Pool{
		store:  s,
		tokens: tokens,
		usage:  make(map[string]*Usage),
		now:    time.Now,
	}
}

// Load reads accounts.json and rebuilds the enabled view.
func (p *Pool) Load() error {
	var creds []*Credential
	if err := p.store.Load(store.AccountsFile, &creds); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all = creds
	p.rebuildEnabledLocked()
	p.lastReload = p.now()
	log.Infof("Loaded %d credentials (%d enabled)", len(p.all), len(p.enabled))
	return nil
}

// rebuildEnabledLocked recomputes the enabled subsequence and clamps the
// cursor into [0, len(enabled)).
func (p *Pool) rebuildEnabledLocked() {
	p.enabled = p.enabled[:0]
	for _, c := range p.all {
		if c != nil && c.Enabled {
			p.enabled = append(p.enabled, c)
		}
	}
	if len(p.enabled) == 0 {
		p.cursor = 0
	} else if p.cursor >= len(p.enabled) {
		p.cursor = 0
	}
}

func (p *Pool) maybeReload() {
	p.mu.Lock()
	stale := p.now().Sub(p.lastReload) > reloadInterval
	p.mu.Unlock()
	if !stale {
		return
	}
	// Double-checked: Load re-takes the mutex and refreshes lastReload.
	p.mu.Lock()
	stale = p.now().Sub(p.lastReload) > reloadInterval
	p.mu.Unlock()
	if stale {
		if err := p.Load(); err != nil {
			log.WithError(err).Warn("credential reload failed")
		}
	}
}

// GetToken returns a credential whose access token is ready to use. It
// advances the round-robin cursor and records usage exactly once per
// successful call.
func (p *Pool) GetToken(ctx context.Context) (*Credential, error) {
	p.maybeReload()

	p.mu.Lock()
	attempts := len(p.enabled)
	p.mu.Unlock()
	if attempts == 0 {
		return nil, ErrNoCredentials
	}

	for i := 0; i < attempts; i++ {
		p.mu.Lock()
		if len(p.enabled) == 0 {
			p.mu.Unlock()
			return nil, ErrNoCredentials
		}
		if p.cursor >= len(p.enabled) {
			p.cursor = 0
		}
		cred := p.enabled[p.cursor]
		if !cred.NeedsRefresh(p.now()) {
			out := p.takeLocked(cred)
			p.mu.Unlock()
			return out, nil
		}
		snapshot := cred.Clone()
		p.mu.Unlock()

		// Refresh happens outside the mutex; concurrent callers for the
		// same credential coalesce into one provider round trip.
		live, err := p.refresh(ctx, snapshot)
		if err == nil {
			// A reload may have replaced p.all while the refresh ran, so
			// the captured pointer can be stale. Resolve the live record
			// the refresh committed to before taking it.
			p.mu.Lock()
			target := p.findLocked(live)
			if target == nil || !target.Enabled {
				p.mu.Unlock()
				continue
			}
			out := p.takeLocked(target)
			p.mu.Unlock()
			return out, nil
		}
		if oauth.IsForbidden(err) {
			log.WithError(err).Warnf("identity provider rejected credential %s, disabling", snapshot.Email)
			if derr := p.disable(snapshot.RefreshToken); derr != nil {
				log.WithError(derr).Warn("failed to persist disabled credential")
			}
			continue
		}
		log.WithError(err).Warn("credential refresh failed, trying next")
		p.mu.Lock()
		if len(p.enabled) > 0 {
			p.cursor = (p.cursor + 1) % len(p.enabled)
		}
		p.mu.Unlock()
	}
	return nil, ErrNoCredentials
}

// takeLocked records usage for cred, advances the cursor past it and returns
// a clone for the caller. Must hold the pool mutex.
func (p *Pool) takeLocked(cred *Credential) *Credential {
	u := p.usage[cred.RefreshToken]
	if u == nil {
		u = &Usage{}
		p.usage[cred.RefreshToken] = u
	}
	u.Requests++
	u.LastUsedMs = p.now().UnixMilli()
	if n := len(p.enabled); n > 0 && p.enabled[p.cursor] == cred {
		p.cursor = (p.cursor + 1) % n
	}
	return cred.Clone()
}

// refresh performs the token-endpoint round trip for snapshot and commits the
// new access token back onto the live record under the mutex. It returns the
// refresh token of the committed record so callers can re-resolve it even
// when a reload swapped p.all or the provider rotated the token mid-flight.
func (p *Pool) refresh(ctx context.Context, snapshot *Credential) (string, error) {
	v, err, _ := p.refreshGroup.Do(snapshot.RefreshToken, func() (interface{}, error) {
		tok, err := p.tokens.Refresh(ctx, snapshot.RefreshToken)
		if err != nil {
			return "", err
		}

		p.mu.Lock()
		target := p.findLocked(snapshot.RefreshToken)
		live := snapshot.RefreshToken
		if target != nil {
			target.AccessToken = tok.AccessToken
			if tok.ExpiresIn > 0 {
				target.ExpiresIn = tok.ExpiresIn
			}
			target.IssuedAt = p.now().UnixMilli()
			if tok.RefreshToken != "" && tok.RefreshToken != target.RefreshToken {
				// Provider rotated the refresh token; keep the new one.
				delete(p.usage, target.RefreshToken)
				target.RefreshToken = tok.RefreshToken
			}
			live = target.RefreshToken
		}
		all := p.cloneAllLocked()
		p.mu.Unlock()

		if target == nil {
			return "", fmt.Errorf("credential disappeared during refresh")
		}
		if err := p.store.Save(store.AccountsFile, all); err != nil {
			log.WithError(err).Warn("failed to persist refreshed credential")
		}
		return live, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Pool) findLocked(refreshToken string) *Credential {
	for _, c := range p.all {
		if c != nil && c.RefreshToken == refreshToken {
			return c
		}
	}
	return nil
}

func (p *Pool) cloneAllLocked() []*Credential {
	out := make([]*Credential, len(p.all))
	for i, c := range p.all {
		out[i] = c.Clone()
	}
	return out
}

// disable marks the credential disabled, persists and rebuilds the enabled
// view. Disable is sticky until an explicit Toggle re-enables it.
func (p *Pool) disable(refreshToken string) error {
	p.mu.Lock()
	target := p.findLocked(refreshToken)
	if target != nil {
		target.Enabled = false
	}
	p.rebuildEnabledLocked()
	all := p.cloneAllLocked()
	p.mu.Unlock()
	if target == nil {
		return fmt.Errorf("credential not found")
	}
	return p.store.Save(store.AccountsFile, all)
}

// OnUpstreamForbidden handles an upstream 403 for cred: the credential is
// permanently disabled and the next viable token is returned.
func (p *Pool) OnUpstreamForbidden(ctx context.Context, cred *Credential) (*Credential, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential is nil")
	}
	log.Warnf("upstream rejected credential %s with 403, disabling", cred.Email)
	if err := p.disable(cred.RefreshToken); err != nil {
		log.WithError(err).Warn("failed to persist disabled credential")
	}
	return p.GetToken(ctx)
}

// Add appends a credential and persists synchronously.
func (p *Pool) Add(cred *Credential) error {
	if cred == nil || cred.RefreshToken == "" {
		return fmt.Errorf("credential requires a refresh token")
	}
	p.mu.Lock()
	if p.findLocked(cred.RefreshToken) != nil {
		p.mu.Unlock()
		return fmt.Errorf("credential already exists")
	}
	if cred.IssuedAt == 0 {
		cred.IssuedAt = p.now().UnixMilli()
	}
	p.all = append(p.all, cred.Clone())
	p.rebuildEnabledLocked()
	all := p.cloneAllLocked()
	p.mu.Unlock()
	return p.store.Save(store.AccountsFile, all)
}

// BulkAdd inserts credentials, skipping refresh-token duplicates, and returns
// how many were actually added.
func (p *Pool) BulkAdd(creds []*Credential) (int, error) {
	p.mu.Lock()
	inserted := 0
	for _, cred := range creds {
		if cred == nil || cred.RefreshToken == "" {
			continue
		}
		if p.findLocked(cred.RefreshToken) != nil {
			continue
		}
		cp := cred.Clone()
		if cp.IssuedAt == 0 {
			cp.IssuedAt = p.now().UnixMilli()
		}
		p.all = append(p.all, cp)
		inserted++
	}
	p.rebuildEnabledLocked()
	all := p.cloneAllLocked()
	p.mu.Unlock()
	if inserted == 0 {
		return 0, nil
	}
	return inserted, p.store.Save(store.AccountsFile, all)
}

// Delete removes the credential at index (over the full sequence).
func (p *Pool) Delete(index int) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.all) {
		p.mu.Unlock()
		return fmt.Errorf("credential index %d out of range", index)
	}
	removed := p.all[index]
	p.all = append(p.all[:index], p.all[index+1:]...)
	delete(p.usage, removed.RefreshToken)
	p.rebuildEnabledLocked()
	all := p.cloneAllLocked()
	p.mu.Unlock()
	return p.store.Save(store.AccountsFile, all)
}

// Toggle flips a credential's enabled flag.
func (p *Pool) Toggle(index int, enabled bool) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.all) {
		p.mu.Unlock()
		return fmt.Errorf("credential index %d out of range", index)
	}
	p.all[index].Enabled = enabled
	p.rebuildEnabledLocked()
	all := p.cloneAllLocked()
	p.mu.Unlock()
	return p.store.Save(store.AccountsFile, all)
}

// UsageSnapshot returns totals and per-credential counters.
func (p *Pool) UsageSnapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := PoolSnapshot{Total: len(p.all), Enabled: len(p.enabled)}
	for _, c := range p.all {
		cu := CredentialUsage{Email: c.Email, Enabled: c.Enabled}
		if u := p.usage[c.RefreshToken]; u != nil {
			cu.Requests = u.Requests
			cu.LastUsedMs = u.LastUsedMs
			snap.TotalRequests += u.Requests
		}
		snap.Credentials = append(snap.Credentials, cu)
	}
	return snap
}

// Credentials returns clones of every record, for admin listings.
func (p *Pool) Credentials() []*Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cloneAllLocked()
}
