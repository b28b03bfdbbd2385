// Package tokencache provides the bounded, time-expiring cache that maps an
// opaque access-token string to its authenticated identity.
//
// Entries expire a fixed interval after their last write and are also
// evicted least-recently-used under capacity pressure. Natural TTL expiry —
// and only TTL expiry — hands the entry's refresh token to a revoker
// callback running on a background worker, so the identity provider can
// clean up grants we will never use again. Explicit removal (logout) and
// capacity eviction never revoke.
package tokencache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geostore/geostore/pkg/authn"
	"github.com/geostore/geostore/pkg/logger"
)

// Defaults for the cache bounds, matching the service's historical
// behavior: room for a thousand concurrent sessions, expiring after a
// working day.
const (
	DefaultMaxEntries    = 1000
	DefaultTTL           = 8 * time.Hour
	DefaultSweepInterval = time.Minute

	// revokeQueueSize bounds the handoff between the sweeper and the
	// revocation worker. Overflow entries are dropped (revocation is
	// best-effort).
	revokeQueueSize = 64
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geostore_token_cache_hits_total",
		Help: "Token cache lookups that returned an entry.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "geostore_token_cache_misses_total",
		Help: "Token cache lookups that found nothing.",
	})
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geostore_token_cache_evictions_total",
		Help: "Token cache evictions by reason.",
	}, []string{"reason"})
	revocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geostore_token_revocations_total",
		Help: "Best-effort refresh-token revocations by outcome.",
	}, []string{"outcome"})
)

// Token is an opaque grant handle: the access value keys the cache, and the
// optional refresh value is revoked together with it.
type Token struct {
	AccessToken  string
	RefreshToken string

	// ExpiresAt is the provider-side expiry of the access token. Distinct
	// from the cache TTL: an entry can outlive its provider token (it is
	// then re-validated) or be evicted while the token is still good.
	ExpiresAt time.Time

	// RefreshExpiresAt is the provider-side expiry of the refresh token,
	// when known. Zero means unknown (treated as not yet expired).
	RefreshExpiresAt time.Time

	// Provider names the identity provider that issued this token.
	Provider string
}

// Expired reports whether the provider access token is past its expiry.
func (t *Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires inside the given
// look-ahead window (used for refresh-before-expiry).
func (t *Token) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !t.ExpiresAt.IsZero() && !now.Add(window).Before(t.ExpiresAt)
}

// refreshExpired reports whether the refresh token itself is already past
// its expiry and not worth revoking.
func (t *Token) refreshExpired(now time.Time) bool {
	return !t.RefreshExpiresAt.IsZero() && !now.Before(t.RefreshExpiresAt)
}

// Entry is the cached (token, identity) pair.
type Entry struct {
	Token    Token
	Identity *authn.Identity

	// LastAccess records when the entry was last read or written.
	LastAccess time.Time

	// writtenAt is the time of the last Put; the TTL counts from here.
	writtenAt time.Time
}

// Revoker is called, off the request path, with the token of an entry that
// expired out of the cache. Implementations typically POST the refresh
// token to the provider's revoke endpoint. Errors are logged, never
// retried.
type Revoker func(ctx context.Context, token Token) error

// Cache is a thread-safe bounded TTL cache keyed by access-token value.
// There is at most one live entry per access token; entries for the same
// principal may coexist under different tokens (multi-session).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	// lru keeps *cacheItem ordered most- to least-recently used.
	lru *list.List

	maxEntries int
	ttl        time.Duration
	now        func() time.Time

	revoker     Revoker
	revokeQueue chan Token

	stop    chan struct{}
	stopped sync.Once
}

type cacheItem struct {
	key   string
	entry *Entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries sets the capacity bound.
func WithMaxEntries(n int) Option {
	return func(c *Cache) { c.maxEntries = n }
}

// WithTTL sets the time-to-live counted from each entry's last write.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) { c.ttl = d }
}

// WithRevoker sets the callback invoked for TTL-evicted entries.
func WithRevoker(r Revoker) Option {
	return func(c *Cache) { c.revoker = r }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache and starts its background sweeper and revocation
// worker. Call Close to stop them.
func New(sweepInterval time.Duration, opts ...Option) *Cache {
	c := &Cache{
		entries:     make(map[string]*list.Element),
		lru:         list.New(),
		maxEntries:  DefaultMaxEntries,
		ttl:         DefaultTTL,
		now:         time.Now,
		revokeQueue: make(chan Token, revokeQueueSize),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	go c.sweepLoop(sweepInterval)
	go c.revokeLoop()

	return c
}

// Close stops the sweeper and revocation worker. Pending revocations are
// abandoned (they are best-effort anyway).
func (c *Cache) Close() {
	c.stopped.Do(func() { close(c.stop) })
}

// Get returns the live entry for the given access token. Expired entries
// are treated as absent even if the sweeper has not collected them yet.
func (c *Cache) Get(accessToken string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[accessToken]
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}

	item := elem.Value.(*cacheItem)
	if c.expired(item.entry) {
		// Leave removal and revocation to the sweeper so Get stays
		// side-effect free.
		cacheMisses.Inc()
		return nil, false
	}

	item.entry.LastAccess = c.now()
	c.lru.MoveToFront(elem)
	cacheHits.Inc()
	return item.entry, true
}

// Put inserts or replaces the entry for the given access token and returns
// the stored entry. If the existing entry carries a refresh token and the
// new one does not, the refresh token is carried forward: refresh
// capability is never lost by an update.
func (c *Cache) Put(accessToken string, entry *Entry) *Entry {
	now := c.now()
	entry.LastAccess = now
	entry.writtenAt = now
	entry.Token.AccessToken = accessToken

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[accessToken]; ok {
		prev := elem.Value.(*cacheItem).entry
		if entry.Token.RefreshToken == "" && prev.Token.RefreshToken != "" {
			entry.Token.RefreshToken = prev.Token.RefreshToken
			entry.Token.RefreshExpiresAt = prev.Token.RefreshExpiresAt
		}
		elem.Value.(*cacheItem).entry = entry
		c.lru.MoveToFront(elem)
		return entry
	}

	c.entries[accessToken] = c.lru.PushFront(&cacheItem{key: accessToken, entry: entry})

	// Capacity eviction drops the least recently used entry without
	// revocation: the token may still be in use elsewhere.
	for len(c.entries) > c.maxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		cacheEvictions.WithLabelValues("capacity").Inc()
	}

	return entry
}

// Remove explicitly invalidates the entry for the given access token
// (logout). No revocation is triggered here; logout flows call the
// provider themselves.
func (c *Cache) Remove(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[accessToken]; ok {
		c.removeElement(elem)
	}
}

// Rekey atomically moves the entry stored under oldToken to newToken,
// replacing its token while preserving the identity. Used when a refresh
// exchange produces a new access token. Returns false if oldToken has no
// live entry.
func (c *Cache) Rekey(oldToken, newToken string, token Token) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[oldToken]
	if !ok {
		return false
	}
	item := elem.Value.(*cacheItem)
	if c.expired(item.entry) {
		return false
	}

	if token.RefreshToken == "" && item.entry.Token.RefreshToken != "" {
		token.RefreshToken = item.entry.Token.RefreshToken
		token.RefreshExpiresAt = item.entry.Token.RefreshExpiresAt
	}
	token.AccessToken = newToken

	// Drop any entry already stored under the new key: at most one live
	// entry per access-token value.
	if existing, ok := c.entries[newToken]; ok && existing != elem {
		c.removeElement(existing)
	}

	delete(c.entries, oldToken)
	item.key = newToken
	item.entry.Token = token
	item.entry.writtenAt = now
	item.entry.LastAccess = now
	c.entries[newToken] = elem
	c.lru.MoveToFront(elem)
	return true
}

// Len returns the number of live entries (including ones the sweeper has
// not collected yet).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// expired reports whether the entry is past its cache TTL. Caller holds mu.
func (c *Cache) expired(e *Entry) bool {
	return !c.now().Before(e.writtenAt.Add(c.ttl))
}

// removeElement unlinks an element from both the map and LRU list.
// Caller holds mu.
func (c *Cache) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem)
	delete(c.entries, item.key)
	c.lru.Remove(elem)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes TTL-expired entries and queues their refresh tokens for
// revocation. The revoke handoff happens after the lock is released so the
// callback can never block foreground Get/Put calls.
func (c *Cache) sweep() {
	now := c.now()
	var expired []Token

	c.mu.Lock()
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		item := elem.Value.(*cacheItem)
		if c.expired(item.entry) {
			c.removeElement(elem)
			cacheEvictions.WithLabelValues("ttl").Inc()
			tok := item.entry.Token
			if tok.RefreshToken != "" && !tok.refreshExpired(now) {
				expired = append(expired, tok)
			}
		}
		elem = prev
	}
	c.mu.Unlock()

	for _, tok := range expired {
		select {
		case c.revokeQueue <- tok:
		default:
			logger.Warnw("revocation queue full, dropping token revocation",
				"provider", tok.Provider)
		}
	}
}

func (c *Cache) revokeLoop() {
	for {
		select {
		case <-c.stop:
			return
		case tok := <-c.revokeQueue:
			if c.revoker == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.revoker(ctx, tok); err != nil {
				revocations.WithLabelValues("failed").Inc()
				logger.Errorw("failed to revoke refresh token on expiry",
					"provider", tok.Provider, "error", err)
			} else {
				revocations.WithLabelValues("ok").Inc()
			}
			cancel()
		}
	}
}
