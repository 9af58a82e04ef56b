package bo

import (
	"slices"
	"time"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gallium/device"
	"github.com/vkngwrapper/gallium/internal/utils"
)

type cacheKey struct {
	size      int
	alignment int
	heap      device.Heap
}

type cacheEntry struct {
	bo       *BO
	key      cacheKey
	cachedAt time.Time
	// taken entries stay in the age list until the next eviction pass skips over them
	taken bool
}

// reclaimCache keeps released real allocations for reuse. Entries expire after a timeout,
// and the oldest entries are evicted once the cache holds more than its byte budget.
type reclaimCache struct {
	mutex    utils.OptionalMutex
	timeout  time.Duration
	maxBytes int
	now      func() time.Time

	buckets *swiss.Map[cacheKey, []*cacheEntry]
	// byAge holds every entry, oldest first
	byAge []*cacheEntry
	bytes int
	count int
}

func (c *reclaimCache) Init(useMutex bool, timeout time.Duration, maxBytes int) {
	c.mutex = utils.OptionalMutex{UseMutex: useMutex}
	c.timeout = timeout
	c.maxBytes = maxBytes
	c.now = time.Now
	c.buckets = swiss.NewMap[cacheKey, []*cacheEntry](32)
}

func (c *reclaimCache) Enabled() bool {
	return c.maxBytes > 0
}

// Put adds bo to the cache and returns the allocations evicted to make room for it, or
// that expired
func (c *reclaimCache) Put(bo *BO, isIdle func(bo *BO) bool) []*BO {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry := &cacheEntry{
		bo:       bo,
		key:      cacheKey{size: bo.size, alignment: bo.alignment, heap: bo.heap},
		cachedAt: c.now(),
	}

	bucket, _ := c.buckets.Get(entry.key)
	c.buckets.Put(entry.key, append(bucket, entry))
	c.byAge = append(c.byAge, entry)
	c.bytes += bo.size
	c.count++

	return c.evictLocked(isIdle, false)
}

// Take removes and returns an idle cached allocation for key in one of the given memory
// types, or nil
func (c *reclaimCache) Take(key cacheKey, types []int, isIdle func(bo *BO) bool) *BO {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	bucket, ok := c.buckets.Get(key)
	if !ok {
		return nil
	}

	// Newest first, since it is the most likely to still be warm
	for i := len(bucket) - 1; i >= 0; i-- {
		entry := bucket[i]
		if !slices.Contains(types, entry.bo.memoryTypeIndex) || !isIdle(entry.bo) {
			continue
		}

		c.removeFromBucketLocked(entry, i)
		entry.taken = true
		c.bytes -= entry.bo.size
		c.count--
		return entry.bo
	}

	return nil
}

func (c *reclaimCache) removeFromBucketLocked(entry *cacheEntry, index int) {
	bucket, _ := c.buckets.Get(entry.key)
	bucket = slices.Delete(bucket, index, index+1)
	if len(bucket) == 0 {
		c.buckets.Delete(entry.key)
		return
	}
	c.buckets.Put(entry.key, bucket)
}

// Evict removes expired entries and, while over budget, the oldest entries. Busy entries
// are skipped.
func (c *reclaimCache) Evict(isIdle func(bo *BO) bool) []*BO {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.evictLocked(isIdle, false)
}

// EvictAll removes every idle entry regardless of age. A nil isIdle removes everything.
func (c *reclaimCache) EvictAll(isIdle func(bo *BO) bool) []*BO {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.evictLocked(isIdle, true)
}

func (c *reclaimCache) evictLocked(isIdle func(bo *BO) bool, all bool) []*BO {
	now := c.now()

	var evicted []*BO
	kept := c.byAge[:0]
	for _, entry := range c.byAge {
		if entry.taken {
			continue
		}

		expired := all || now.Sub(entry.cachedAt) >= c.timeout || c.bytes > c.maxBytes
		if !expired || (isIdle != nil && !isIdle(entry.bo)) {
			kept = append(kept, entry)
			continue
		}

		bucket, _ := c.buckets.Get(entry.key)
		index := slices.Index(bucket, entry)
		c.removeFromBucketLocked(entry, index)
		c.bytes -= entry.bo.size
		c.count--
		evicted = append(evicted, entry.bo)
	}

	for i := len(kept); i < len(c.byAge); i++ {
		c.byAge[i] = nil
	}
	c.byAge = kept

	return evicted
}

// Stats returns the number of cached allocations and their total size
func (c *reclaimCache) Stats() (count, bytes int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.count, c.bytes
}

func (c *reclaimCache) MaxBytes() int {
	return c.maxBytes
}
