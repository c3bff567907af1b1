package service

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto"

	"game-proxy-go/internal/config"
	"game-proxy-go/internal/metrics"
	"game-proxy-go/internal/model"
)

// Cache keeps rewritten upstream responses in memory, bounded by total body bytes.
type Cache struct {
	store   *ristretto.Cache
	metrics *metrics.Metrics
}

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// NewCache creates the response cache. It returns nil when caching is disabled;
// a nil *Cache is valid and never hits.
func NewCache(cfg *config.Config, m *metrics.Metrics) (*Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: max(cfg.Cache.MaxEntries*10, 10),
		MaxCost:     max(cfg.Cache.MaxBytes, 1),
		BufferItems: 64,
		Cost: func(value interface{}) int64 {
			if cr, ok := value.(*cachedResponse); ok {
				return int64(len(cr.body)) + 1
			}
			return 1
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init response cache: %w", err)
	}
	return &Cache{store: store, metrics: m}, nil
}

// Get returns a copy of the cached response stored under key.
func (c *Cache) Get(key string) (*model.ProxyResponse, bool) {
	if c == nil {
		return nil, false
	}
	raw, ok := c.store.Get(key)
	cr, isResp := raw.(*cachedResponse)
	if !ok || !isResp {
		c.record("miss")
		return nil, false
	}
	c.record("hit")
	return &model.ProxyResponse{
		StatusCode: cr.status,
		Header:     cr.header.Clone(),
		Body:       cr.body,
	}, true
}

// Set stores a buffered response for ttl. Responses without a buffered body are ignored.
func (c *Cache) Set(key string, resp *model.ProxyResponse, ttl time.Duration) {
	if c == nil || resp.Body == nil || ttl <= 0 {
		return
	}
	c.store.SetWithTTL(key, &cachedResponse{
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   resp.Body,
	}, 0, ttl)
}

// Wait blocks until pending writes are visible to Get.
func (c *Cache) Wait() {
	if c != nil {
		c.store.Wait()
	}
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	if c != nil {
		c.store.Close()
	}
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
