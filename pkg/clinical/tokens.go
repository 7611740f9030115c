package clinical

import (
	"sync"
	"time"
)

// TokenData is what the answer webhook resolved ahead of the media stream:
// the patient identity and the caller's language choice.
type TokenData struct {
	PatientID string
	Language  string
}

// TokenTable maps opaque pre-resolution tokens to caller data for a short
// window. The peer that redeems a token connects on a separate, later network
// round-trip, so entries expire by time rather than by use-count or reference.
// The table is bounded; when full, the entry closest to expiry is evicted.
type TokenTable struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]tokenEntry
}

type tokenEntry struct {
	data      TokenData
	expiresAt time.Time
}

const (
	defaultTokenTTL        = 5 * time.Minute
	defaultTokenMaxEntries = 4096
)

func NewTokenTable(ttl time.Duration, maxEntries int) *TokenTable {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultTokenMaxEntries
	}
	return &TokenTable{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		entries:    make(map[string]tokenEntry),
	}
}

// Put stores or refreshes a token.
func (t *TokenTable) Put(token string, data TokenData) {
	if t == nil || token == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)
	if _, exists := t.entries[token]; !exists && len(t.entries) >= t.maxEntries {
		t.evictSoonestLocked()
	}
	t.entries[token] = tokenEntry{data: data, expiresAt: now.Add(t.ttl)}
}

// Redeem returns the data for a live token. The entry is left in place until
// it expires; redemption does not consume it, since telephony retries may
// redeliver the same custom parameters.
func (t *TokenTable) Redeem(token string) (TokenData, bool) {
	if t == nil || token == "" {
		return TokenData{}, false
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[token]
	if !ok || !entry.expiresAt.After(now) {
		delete(t.entries, token)
		return TokenData{}, false
	}
	return entry.data, true
}

// Len reports live entries, sweeping expired ones first.
func (t *TokenTable) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sweepLocked(t.now())
	return len(t.entries)
}

func (t *TokenTable) sweepLocked(now time.Time) {
	for token, entry := range t.entries {
		if !entry.expiresAt.After(now) {
			delete(t.entries, token)
		}
	}
}

func (t *TokenTable) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for token, entry := range t.entries {
		if victim == "" || entry.expiresAt.Before(soonest) {
			victim = token
			soonest = entry.expiresAt
		}
	}
	if victim != "" {
		delete(t.entries, victim)
	}
}
