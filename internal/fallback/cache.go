package fallback

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tutormesh/tutormesh/pkg/logging"
	"github.com/tutormesh/tutormesh/pkg/types"
)

// cachedAnswer is one stored response. Hits increment the use counter and
// nothing else, so serving an entry never extends its lifetime.
type cachedAnswer struct {
	Content   string
	CreatedAt time.Time
	uses      atomic.Int64
}

// ResponseCache holds recent answers keyed by normalized query text and
// worker type. Entries older than maxAge are never served; a sweep goroutine
// purges them every sweepInterval until Close is called.
type ResponseCache struct {
	store  *cache.Cache
	logger *logging.Logger

	mu     sync.Mutex
	hits   uint64
	misses uint64

	stopChan chan struct{}
	stopOnce sync.Once
}

// CacheStats is a point-in-time view of cache effectiveness
type CacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewResponseCache creates a response cache. The library janitor is disabled
// so that expiry cleanup runs on this package's own sweep schedule.
func NewResponseCache(maxAge, sweepInterval time.Duration) *ResponseCache {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}

	rc := &ResponseCache{
		store:    cache.New(maxAge, 0),
		logger:   logging.GetLogger(),
		stopChan: make(chan struct{}),
	}

	go rc.sweepLoop(sweepInterval)

	return rc
}

// Put stores content for the query and worker type, replacing any previous
// entry and restarting its age.
func (rc *ResponseCache) Put(query string, workerType types.WorkerType, content string) {
	entry := &cachedAnswer{
		Content:   content,
		CreatedAt: time.Now(),
	}
	rc.store.SetDefault(responseKey(query, workerType), entry)
}

// Lookup returns the cached content for the query and worker type. Expired
// entries count as misses even before the sweep removes them.
func (rc *ResponseCache) Lookup(query string, workerType types.WorkerType) (string, bool) {
	value, found := rc.store.Get(responseKey(query, workerType))

	rc.mu.Lock()
	if found {
		rc.hits++
	} else {
		rc.misses++
	}
	rc.mu.Unlock()

	if !found {
		return "", false
	}

	entry := value.(*cachedAnswer)
	entry.uses.Add(1)
	return entry.Content, true
}

// Stats returns the hit and miss counters and the stored entry count.
// Expired entries linger in the count until the next sweep.
func (rc *ResponseCache) Stats() CacheStats {
	rc.mu.Lock()
	hits, misses := rc.hits, rc.misses
	rc.mu.Unlock()

	stats := CacheStats{
		Size:   rc.store.ItemCount(),
		Hits:   hits,
		Misses: misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}

	return stats
}

// Close stops the sweep goroutine
func (rc *ResponseCache) Close() {
	rc.stopOnce.Do(func() {
		close(rc.stopChan)
	})
}

func (rc *ResponseCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rc.stopChan:
			return
		case <-ticker.C:
			before := rc.store.ItemCount()
			rc.store.DeleteExpired()
			if purged := before - rc.store.ItemCount(); purged > 0 {
				rc.logger.Debug("purged expired fallback answers",
					"purged", purged,
					"remaining", rc.store.ItemCount(),
				)
			}
		}
	}
}

// normalizeQuery lowercases the text and collapses whitespace runs so
// trivially different phrasings of the same question share an entry
func normalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func responseKey(query string, workerType types.WorkerType) string {
	return fmt.Sprintf("%s:%s", workerType, normalizeQuery(query))
}
