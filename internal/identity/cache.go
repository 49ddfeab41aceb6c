package identity

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"strconv"
	"sync"
	"time"
)

const (
	// ProjectTTL and SessionTTL expire independently; refreshing one never
	// touches the other.
	ProjectTTL = 12 * time.Hour
	SessionTTL = time.Hour

	// maxEntries caps the cache; the coldest entry is evicted on overflow.
	maxEntries = 4096
)

var (
	adjectives = [5]string{"useful", "golden", "rapid", "steady", "bright"}
	nouns      = [5]string{"moon", "river", "falcon", "cedar", "harbor"}
)

type entry struct {
	projectID     string
	projectExpiry time.Time
	sessionID     string
	sessionExpiry time.Time
	lastAccess    time.Time
}

// Cache derives stable (projectID, sessionID) pairs per API key. The upstream
// protocol requires sessionID to be the decimal text of a negative int64.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewCache creates an empty identity cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry), now: time.Now}
}

// Get returns the cached identity for the key, regenerating whichever of the
// two fields has expired.
func (c *Cache) Get(apiKey string) (projectID, sessionID string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[apiKey]
	if !ok {
		if len(c.entries) >= maxEntries {
			c.evictColdestLocked()
		}
		e = &entry{}
		c.entries[apiKey] = e
	}
	if e.projectID == "" || now.After(e.projectExpiry) {
		e.projectID = newProjectID()
		e.projectExpiry = now.Add(ProjectTTL)
	}
	if e.sessionID == "" || now.After(e.sessionExpiry) {
		e.sessionID = newSessionID()
		e.sessionExpiry = now.Add(SessionTTL)
	}
	e.lastAccess = now
	return e.projectID, e.sessionID
}

// Sweep drops entries whose project and session have both expired.
func (c *Cache) Sweep() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.projectExpiry) && now.After(e.sessionExpiry) {
			delete(c.entries, k)
		}
	}
}

// Len reports the number of cached identities.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evictColdestLocked() {
	var coldestKey string
	var coldest time.Time
	for k, e := range c.entries {
		if coldestKey == "" || e.lastAccess.Before(coldest) {
			coldestKey = k
			coldest = e.lastAccess
		}
	}
	if coldestKey != "" {
		delete(c.entries, coldestKey)
	}
}

// newProjectID builds an id matching ^[a-z]+-[a-z]+-[a-z0-9]{5}$.
func newProjectID() string {
	adj := adjectives[randIndex(len(adjectives))]
	noun := nouns[randIndex(len(nouns))]
	return adj + "-" + noun + "-" + randBase36(5)
}

// newSessionID returns the decimal text of a uniform random integer in
// [-2^63+1, 0).
func newSessionID() string {
	var raw [8]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return strconv.FormatInt(-time.Now().UnixNano(), 10)
	}
	// Uniform over [1, 2^63-1], then negate.
	n := binary.BigEndian.Uint64(raw[:]) % uint64(1<<63-1)
	return strconv.FormatInt(-int64(n+1), 10)
}

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

const base36 = "abcdefghijklmnopqrstuvwxyz0123456789"

func randBase36(n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = base36[randIndex(len(base36))]
	}
	return string(out)
}
