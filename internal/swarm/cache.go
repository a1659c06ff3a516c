package swarm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/mtzanidakis/taskwave/internal/config"
)

// Cache keeps recent decompositions keyed by instruction and the registry
// and orchestrator state that produced them. Values are stored as JSON so a
// hit always yields a fresh copy.
type Cache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
}

func NewCache(cfg config.CacheConfig) (*Cache, error) {
	maxCost := cfg.MaxBytes
	if maxCost <= 0 {
		maxCost = 8 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCost/100*10, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create decomposition cache: %w", err)
	}
	return &Cache{c: c, ttl: cfg.TTL}, nil
}

func cacheKey(revision uint64, cfg config.OrchestratorConfig, instruction string) string {
	return fmt.Sprintf("%d|%d|%t|%s", revision, cfg.DecompositionThreshold, cfg.EnableDecomposition, instruction)
}

func (c *Cache) get(key string) (*DecompositionResult, bool) {
	data, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	var d DecompositionResult
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (c *Cache) set(key string, d *DecompositionResult) {
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if c.ttl > 0 {
		c.c.SetWithTTL(key, data, int64(len(data)), c.ttl)
	} else {
		c.c.Set(key, data, int64(len(data)))
	}
	c.c.Wait()
}

func (c *Cache) Close() {
	c.c.Close()
}
