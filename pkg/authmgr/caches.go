package authmgr

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/siros-tee/authcore/pkg/errs"
	"github.com/siros-tee/authcore/pkg/logger"
)

// cacheHorizon is a capacity-cache ordering key, not a real expiry — every
// entry is inserted with the same long TTL and never touched on access, so
// ttlcache's capacity eviction (it drops the entry nearest its expiry)
// removes the oldest-inserted entry first, giving true FIFO-on-overflow.
// See pkg/secretkeeper/engine.go's sessionHorizon for the same pattern.
const cacheHorizon = 24 * time.Hour

// caches bundles the four declared-capacity caches spec.md §4.H/§9
// requires, with the two distinct overflow policies it distinguishes:
// AuthStartedPvms evicts the oldest entry on overflow (to survive
// partial-completion attacks), while AuthenticatedPvms and
// PendingClientAuthorizations hard-fail (to preserve the TOFU invariant
// and the per-pvm pending cap). A single ttlcache type only gives one of
// these two policies for free (capacity eviction); the hard-fail caches
// are therefore given a capacity larger than their declared cap and
// checked manually before insert, so overflow surfaces as an error instead
// of a silent eviction.
type caches struct {
	log *logger.Log

	authStarted   *ttlcache.Cache[string, *AuthStartedPvm]
	authenticated *ttlcache.Cache[string, *AuthenticatedPvm]
	byInstance    *ttlcache.Cache[string, TransportID] // reverse index: instance id -> transport id

	pendingClients       *ttlcache.Cache[string, *pvmPendingBucket]
	pendingClientCapPerPvm int

	authorizedGlobal *ttlcache.Cache[string, *AuthorizedClient]

	authStartedCap   uint64
	authenticatedCap uint64
}

// pvmPendingBucket is the per-pvm slice of PendingClientAuthorizations,
// keyed by transport id; entries within it are keyed by token.
type pvmPendingBucket struct {
	order   []string
	entries map[string]PendingClientAuth
}

// hardFailSlack inflates a hard-fail cache's ttlcache capacity well past
// its declared cap so ttlcache's own eviction never fires — overflow is
// detected and rejected by this package before insert instead.
const hardFailSlack = 1 << 20

func newCaches(log *logger.Log, authStartedCap, authenticatedCap uint64, pendingClientCapPerPvm int) *caches {
	c := &caches{
		log:                    log,
		authStartedCap:         authStartedCap,
		authenticatedCap:       authenticatedCap,
		pendingClientCapPerPvm: pendingClientCapPerPvm,
	}

	c.authStarted = ttlcache.New[string, *AuthStartedPvm](
		ttlcache.WithTTL[string, *AuthStartedPvm](cacheHorizon),
		ttlcache.WithCapacity[string, *AuthStartedPvm](authStartedCap),
		ttlcache.WithDisableTouchOnHit[string, *AuthStartedPvm](),
	)
	c.authStarted.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *AuthStartedPvm]) {
		if log != nil {
			log.Debug("authmgr: auth-started entry evicted", "transportId", item.Key(), "reason", reason)
		}
	})

	c.authenticated = ttlcache.New[string, *AuthenticatedPvm](
		ttlcache.WithTTL[string, *AuthenticatedPvm](cacheHorizon),
		ttlcache.WithCapacity[string, *AuthenticatedPvm](authenticatedCap+hardFailSlack),
		ttlcache.WithDisableTouchOnHit[string, *AuthenticatedPvm](),
	)

	c.byInstance = ttlcache.New[string, TransportID](
		ttlcache.WithTTL[string, TransportID](cacheHorizon),
		ttlcache.WithCapacity[string, TransportID](authenticatedCap+hardFailSlack),
		ttlcache.WithDisableTouchOnHit[string, TransportID](),
	)

	c.pendingClients = ttlcache.New[string, *pvmPendingBucket](
		ttlcache.WithTTL[string, *pvmPendingBucket](cacheHorizon),
		ttlcache.WithCapacity[string, *pvmPendingBucket](authenticatedCap+hardFailSlack),
		ttlcache.WithDisableTouchOnHit[string, *pvmPendingBucket](),
	)

	c.authorizedGlobal = ttlcache.New[string, *AuthorizedClient](
		ttlcache.WithTTL[string, *AuthorizedClient](cacheHorizon),
		ttlcache.WithCapacity[string, *AuthorizedClient](hardFailSlack),
		ttlcache.WithDisableTouchOnHit[string, *AuthorizedClient](),
	)

	go c.authStarted.Start()
	go c.authenticated.Start()
	go c.byInstance.Start()
	go c.pendingClients.Start()
	go c.authorizedGlobal.Start()
	return c
}

func (c *caches) stop() {
	c.authStarted.Stop()
	c.authenticated.Stop()
	c.byInstance.Stop()
	c.pendingClients.Stop()
	c.authorizedGlobal.Stop()
}

// --- AuthStartedPvms: FIFO, evict oldest on overflow ---

func (c *caches) putAuthStarted(entry *AuthStartedPvm) {
	c.authStarted.Set(entry.TransportID.key(), entry, cacheHorizon)
}

func (c *caches) getAuthStartedByTransport(t TransportID) (*AuthStartedPvm, bool) {
	item := c.authStarted.Get(t.key())
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *caches) removeAuthStartedByTransport(t TransportID) (*AuthStartedPvm, bool) {
	entry, ok := c.getAuthStartedByTransport(t)
	if !ok {
		return nil, false
	}
	c.authStarted.Delete(t.key())
	return entry, true
}

func (c *caches) hasAuthStartedInstance(id InstanceID) bool {
	for _, item := range c.authStarted.Items() {
		if item.Value().InstanceID.key() == id.key() {
			return true
		}
	}
	return false
}

// evictStaleAuthStartedForInstance removes every AuthStartedPvms entry
// carrying the given instance id — used after phase 1 completes to clear
// any other transport ids that started (but never finished) authenticating
// the same instance (spec.md §4.H step 8).
func (c *caches) evictStaleAuthStartedForInstance(id InstanceID) {
	var stale []string
	for _, item := range c.authStarted.Items() {
		if item.Value().InstanceID.key() == id.key() {
			stale = append(stale, item.Key())
		}
	}
	for _, k := range stale {
		c.authStarted.Delete(k)
		if c.log != nil {
			c.log.Debug("authmgr: stale auth-started entry cleared", "transportId", k)
		}
	}
}

// --- AuthenticatedPvms: hard-fail on overflow, TOFU reverse index ---

func (c *caches) authenticatedCount() int {
	return c.authenticated.Len()
}

func (c *caches) hasAuthenticatedInstance(id InstanceID) bool {
	return c.byInstance.Get(id.key()) != nil
}

func (c *caches) hasAuthenticatedTransport(t TransportID) bool {
	return c.authenticated.Get(t.key()) != nil
}

func (c *caches) getAuthenticatedByTransport(t TransportID) (*AuthenticatedPvm, bool) {
	item := c.authenticated.Get(t.key())
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *caches) putAuthenticated(entry *AuthenticatedPvm) error {
	if uint64(c.authenticatedCount()) >= c.authenticatedCap {
		return errs.NewDetails(errs.MemoryAllocationFailed, "AuthenticatedPvms at capacity")
	}
	c.authenticated.Set(entry.TransportID.key(), entry, cacheHorizon)
	c.byInstance.Set(entry.InstanceID.key(), entry.TransportID, cacheHorizon)
	return nil
}

func (c *caches) removeAuthenticatedByTransport(t TransportID) {
	item := c.authenticated.Get(t.key())
	if item != nil {
		c.byInstance.Delete(item.Value().InstanceID.key())
	}
	c.authenticated.Delete(t.key())
}

// --- PendingClientAuthorizations: per-pvm, capped, hard-fail on overflow ---

func (c *caches) putPendingClient(pvmTransport TransportID, token []byte, conn Connection) error {
	key := pvmTransport.key()
	item := c.pendingClients.Get(key)
	var bucket *pvmPendingBucket
	if item == nil {
		bucket = &pvmPendingBucket{entries: make(map[string]PendingClientAuth)}
	} else {
		bucket = item.Value()
	}
	if len(bucket.entries) >= c.pendingClientCapPerPvm {
		return errs.NewDetails(errs.MemoryAllocationFailed, "PendingClientAuthorizations at per-pvm capacity")
	}
	tokenKey := string(token)
	if _, exists := bucket.entries[tokenKey]; !exists {
		bucket.order = append(bucket.order, tokenKey)
	}
	bucket.entries[tokenKey] = PendingClientAuth{Token: append([]byte(nil), token...), ClientConn: conn}
	c.pendingClients.Set(key, bucket, cacheHorizon)
	return nil
}

func (c *caches) takePendingClient(pvmTransport TransportID, token []byte) (PendingClientAuth, bool) {
	key := pvmTransport.key()
	item := c.pendingClients.Get(key)
	if item == nil {
		return PendingClientAuth{}, false
	}
	bucket := item.Value()
	tokenKey := string(token)
	entry, ok := bucket.entries[tokenKey]
	if !ok {
		return PendingClientAuth{}, false
	}
	delete(bucket.entries, tokenKey)
	for i, k := range bucket.order {
		if k == tokenKey {
			bucket.order = append(bucket.order[:i], bucket.order[i+1:]...)
			break
		}
	}
	return entry, true
}

func (c *caches) clearPendingForTransport(t TransportID) {
	c.pendingClients.Delete(t.key())
}

// --- AuthorizedClientsGlobalList ---

func (c *caches) putAuthorizedClient(entry *AuthorizedClient) {
	c.authorizedGlobal.Set(entry.ClientID.key(), entry, cacheHorizon)
}

func (c *caches) clearAuthorizedClientsForInstance(id InstanceID) {
	var stale []string
	for _, item := range c.authorizedGlobal.Items() {
		if item.Value().InstanceID.key() == id.key() {
			stale = append(stale, item.Key())
		}
	}
	for _, k := range stale {
		c.authorizedGlobal.Delete(k)
	}
}
