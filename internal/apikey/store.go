package apikey

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"geminigate-go/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// bucketSizeMs is the sliding-window granularity.
const bucketSizeMs = 10_000

// RateLimitPolicy is the per-key limiter configuration.
type RateLimitPolicy struct {
	Enabled     bool  `json:"enabled"`
	MaxRequests int   `json:"max_requests"`
	WindowMs    int64 `json:"window_ms"`
}

// APIKey is one locally-issued key record. Usage buckets are keyed by the
// decimal bucket timestamp in milliseconds.
type APIKey struct {
	Key       string           `json:"key"`
	Name      string           `json:"name"`
	Created   string           `json:"created"`
	LastUsed  string           `json:"last_used,omitempty"`
	Requests  int64            `json:"requests"`
	RateLimit RateLimitPolicy  `json:"rate_limit"`
	Usage     map[string]int64 `json:"usage_buckets,omitempty"`
}

// Decision is the limiter verdict for one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetInS  int64
	Reason    string
}

// Stats summarizes the key set.
type Stats struct {
	Keys          int   `json:"keys"`
	TotalRequests int64 `json:"total_requests"`
}

// Store owns the API key records. Validation and limiter updates mutate only
// the in-memory map; a background flush writes api_keys.json every minute and
// admin mutations flush synchronously.
type Store struct {
	files *store.Store

	mu   sync.Mutex
	keys map[string]*APIKey
	now  func() time.Time
}

// NewStore creates an empty key store backed by the given file store.
func NewStore(files *store.Store) *Store {
	return &Store{files: files, keys: make(map[string]*APIKey), now: time.Now}
}

// Load reads api_keys.json.
func (s *Store) Load() error {
	var records []*APIKey
	if err := s.files.Load(store.APIKeysFile, &records); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = make(map[string]*APIKey, len(records))
	for _, k := range records {
		if k != nil && k.Key != "" {
			s.keys[k.Key] = k
		}
	}
	log.Infof("Loaded %d API keys", len(s.keys))
	return nil
}

// Flush persists a consistent snapshot of the key set.
func (s *Store) Flush() error {
	s.mu.Lock()
	records := make([]*APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		cp := *k
		if len(k.Usage) > 0 {
			cp.Usage = make(map[string]int64, len(k.Usage))
			for b, n := range k.Usage {
				cp.Usage[b] = n
			}
		}
		records = append(records, &cp)
	}
	s.mu.Unlock()
	return s.files.Save(store.APIKeysFile, records)
}

// Create issues a new key. A caller-supplied key must not collide.
func (s *Store) Create(name string, policy *RateLimitPolicy, suppliedKey string) (*APIKey, error) {
	key := strings.TrimSpace(suppliedKey)
	s.mu.Lock()
	if key == "" {
		key = "sk-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	} else if _, exists := s.keys[key]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("api key already exists")
	}
	record := &APIKey{
		Key:     key,
		Name:    name,
		Created: s.now().UTC().Format(time.RFC3339),
	}
	if policy != nil {
		record.RateLimit = *policy
	}
	s.keys[key] = record
	out := *record
	s.mu.Unlock()

	if err := s.Flush(); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate reports whether the key exists, updating last-used bookkeeping in
// memory only.
func (s *Store) Validate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.keys[key]
	if !ok {
		return false
	}
	record.LastUsed = s.now().UTC().Format(time.RFC3339)
	record.Requests++
	return true
}

// CheckRateLimit applies the sliding-window policy for the key. The bucket
// increment is linearizable per key: under a cap of one, concurrent callers
// see at most one allow.
func (s *Store) CheckRateLimit(key string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.keys[key]
	if !ok {
		return Decision{Allowed: false, Reason: "unknown key"}
	}
	if !record.RateLimit.Enabled || record.RateLimit.MaxRequests <= 0 {
		return Decision{Allowed: true, Limit: 0, Remaining: -1}
	}

	nowMs := s.now().UnixMilli()
	window := record.RateLimit.WindowMs
	limit := record.RateLimit.MaxRequests
	bucket := nowMs / bucketSizeMs * bucketSizeMs

	if record.Usage == nil {
		record.Usage = make(map[string]int64)
	}

	// Purge buckets that slid out of the window, tracking the oldest
	// survivor for the reset computation.
	var count int64
	oldest := int64(-1)
	for b, n := range record.Usage {
		ts, err := strconv.ParseInt(b, 10, 64)
		if err != nil || ts <= nowMs-window {
			delete(record.Usage, b)
			continue
		}
		count += n
		if oldest < 0 || ts < oldest {
			oldest = ts
		}
	}

	if count >= int64(limit) {
		resetMs := window
		if oldest >= 0 {
			resetMs = oldest + window - nowMs
		}
		resetS := (resetMs + 999) / 1000
		return Decision{
			Allowed:   false,
			Limit:     limit,
			Remaining: 0,
			ResetInS:  resetS,
			Reason:    "rate limit exceeded",
		}
	}

	record.Usage[strconv.FormatInt(bucket, 10)]++
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
	}
}

// UpdateRateLimit replaces a key's limiter policy and flushes synchronously.
func (s *Store) UpdateRateLimit(key string, policy RateLimitPolicy) error {
	s.mu.Lock()
	record, ok := s.keys[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("api key not found")
	}
	record.RateLimit = policy
	s.mu.Unlock()
	return s.Flush()
}

// Delete removes a key and flushes synchronously.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	if _, ok := s.keys[key]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("api key not found")
	}
	delete(s.keys, key)
	s.mu.Unlock()
	return s.Flush()
}

// Get returns a copy of the record for the key.
func (s *Store) Get(key string) (*APIKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.keys[key]
	if !ok {
		return nil, false
	}
	cp := *record
	return &cp, true
}

// Stats returns aggregate counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{Keys: len(s.keys)}
	for _, k := range s.keys {
		out.TotalRequests += k.Requests
	}
	return out
}
