package session

import (
	"fmt"
	"testing"

	"github.com/lumora-ai/chorus/pkg/provider/llm"
)

func TestPrefixCacheStableKeys(t *testing.T) {
	c := NewPrefixCache(8)
	prefix := []llm.Message{{Role: "system", Content: "You are a concierge."}}

	k1 := c.Key(prefix)
	k2 := c.Key([]llm.Message{{Role: "system", Content: "You are a concierge."}})
	if k1 != k2 {
		t.Errorf("identical prefixes got different keys: %q vs %q", k1, k2)
	}
	k3 := c.Key([]llm.Message{{Role: "system", Content: "You are a pirate."}})
	if k3 == k1 {
		t.Error("different prefixes share a key")
	}
	if c.Len() != 2 {
		t.Errorf("cache holds %d prefixes, want 2", c.Len())
	}
	if got := c.HitRate(); got != 1.0/3.0 {
		t.Errorf("hit rate = %v, want 1/3", got)
	}
}

func TestPrefixCacheRoleBoundaries(t *testing.T) {
	c := NewPrefixCache(8)
	// Same concatenated bytes, different role/content split.
	a := c.Key([]llm.Message{{Role: "system", Content: "ab"}})
	b := c.Key([]llm.Message{{Role: "systema", Content: "b"}})
	if a == b {
		t.Error("role/content boundary not part of the key")
	}
}

func TestPrefixCacheEvictsLRU(t *testing.T) {
	c := NewPrefixCache(2)
	p := func(i int) []llm.Message {
		return []llm.Message{{Role: "system", Content: fmt.Sprintf("persona %d", i)}}
	}
	c.Key(p(1))
	c.Key(p(2))
	c.Key(p(1)) // 1 is now most recent
	c.Key(p(3)) // evicts 2
	if c.Len() != 2 {
		t.Fatalf("cache holds %d prefixes, want 2", c.Len())
	}
	before := c.HitRate()
	c.Key(p(2)) // miss: was evicted
	if c.HitRate() >= before {
		t.Error("evicted prefix still hit")
	}
}
