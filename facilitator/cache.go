package facilitator

import (
	"sync"
	"time"

	"github.com/nevermined-io/payments-go/types"
)

// planCacheTTL bounds how long a planId -> scheme mapping is trusted.
const planCacheTTL = 5 * time.Minute

// planCache caches plan payment schemes. Stale entries may be recomputed
// by concurrent readers; the last write wins and both see a valid value.
type planCache struct {
	mu      sync.Mutex
	schemes map[string]string
	expiry  map[string]time.Time
	ttl     time.Duration
}

func newPlanCache(ttl time.Duration) *planCache {
	return &planCache{
		schemes: make(map[string]string),
		expiry:  make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (c *planCache) get(planID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expiry[planID]
	if !ok {
		return "", false
	}
	if time.Now().After(expiry) {
		delete(c.schemes, planID)
		delete(c.expiry, planID)
		return "", false
	}
	return c.schemes[planID], true
}

func (c *planCache) put(planID, scheme string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.schemes[planID] = scheme
	c.expiry[planID] = time.Now().Add(c.ttl)
	c.cleanupExpiredLocked()
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *planCache) cleanupExpiredLocked() {
	now := time.Now()
	for planID, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.schemes, planID)
			delete(c.expiry, planID)
		}
	}
}

// infoCache holds the deployment info document with the same TTL policy.
type infoCache struct {
	mu     sync.Mutex
	info   *types.DeploymentInfo
	expiry time.Time
	ttl    time.Duration
}

func newInfoCache(ttl time.Duration) *infoCache {
	return &infoCache{ttl: ttl}
}

func (c *infoCache) get() (*types.DeploymentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.info == nil || time.Now().After(c.expiry) {
		c.info = nil
		return nil, false
	}
	return c.info, true
}

func (c *infoCache) put(info *types.DeploymentInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.info = info
	c.expiry = time.Now().Add(c.ttl)
}
