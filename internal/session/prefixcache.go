package session

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/lumora-ai/chorus/pkg/provider/llm"
)

// DefaultPrefixCacheSize bounds the number of distinct pinned prefixes
// tracked across sessions. Deployments typically run a handful of personas,
// so even a small cache covers them all.
const DefaultPrefixCacheSize = 64

// PrefixCache assigns stable keys to pinned prefixes shared across
// sessions. Two sessions with byte-identical prefixes get the same key, so
// the LLM backend can reuse its cached prefix state between them. Eviction
// is least-recently-used.
type PrefixCache struct {
	capacity int

	mu    sync.Mutex
	order *list.List               // front = most recent, holds hash strings
	index map[string]*list.Element // hash -> order element
	hits  uint64
	total uint64
}

// NewPrefixCache creates a cache bounded to capacity prefixes.
func NewPrefixCache(capacity int) *PrefixCache {
	if capacity <= 0 {
		capacity = DefaultPrefixCacheSize
	}
	return &PrefixCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Key returns the cache key for the prefix, inserting it if unseen. The
// key is a digest of the prefix content, so it is stable across restarts.
func (c *PrefixCache) Key(prefix []llm.Message) string {
	h := sha256.New()
	for _, m := range prefix {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	key := hex.EncodeToString(h.Sum(nil))[:32]

	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	if el, ok := c.index[key]; ok {
		c.hits++
		c.order.MoveToFront(el)
		return key
	}
	c.index[key] = c.order.PushFront(key)
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(string))
	}
	return key
}

// HitRate returns the fraction of Key calls that found an existing prefix.
func (c *PrefixCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return 0
	}
	return float64(c.hits) / float64(c.total)
}

// Len returns the number of tracked prefixes.
func (c *PrefixCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
