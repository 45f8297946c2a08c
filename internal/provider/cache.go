package provider

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// UploadCache remembers direct uploads per (lesson, intent) until they expire,
// so adapters return the same session for repeated requests.
type UploadCache struct {
	mu      sync.Mutex
	entries map[string]DirectUpload
	now     func() time.Time
}

// NewUploadCache creates an empty cache. now may be nil.
func NewUploadCache(now func() time.Time) *UploadCache {
	if now == nil {
		now = time.Now
	}
	return &UploadCache{entries: make(map[string]DirectUpload), now: now}
}

func cacheKey(lessonID uuid.UUID, metadata map[string]string) string {
	return lessonID.String() + "/" + metadata[MetadataIntent]
}

// Get returns an unexpired upload for the lesson and intent.
func (c *UploadCache) Get(lessonID uuid.UUID, metadata map[string]string) (DirectUpload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(lessonID, metadata)
	u, ok := c.entries[key]
	if !ok {
		return DirectUpload{}, false
	}
	if !c.now().Before(u.ExpiresAt) {
		delete(c.entries, key)
		return DirectUpload{}, false
	}
	return u, true
}

// Put stores u and evicts expired entries.
func (c *UploadCache) Put(lessonID uuid.UUID, metadata map[string]string, u DirectUpload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.ExpiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[cacheKey(lessonID, metadata)] = u
}
