package index

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/kulturgut/ingest/logger"
)

// ClientFactory builds a client for an endpoint
type ClientFactory func(Endpoint) Indexer

type cachedClient struct {
	client   Indexer
	password string
}

// ClientCache shares index clients between jobs. Entries expire after ttl
// without use; expiry and eviction close the client.
type ClientCache struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, cachedClient]
	factory ClientFactory
	logger  *zap.SugaredLogger
}

// NewClientCache creates a cache holding up to size clients
func NewClientCache(size int, ttl time.Duration, factory ClientFactory, log *zap.SugaredLogger) *ClientCache {
	if size <= 0 {
		size = 64
	}
	c := &ClientCache{factory: factory, logger: log}
	c.lru = expirable.NewLRU[string, cachedClient](size, func(key string, v cachedClient) {
		log.Debugw("Index client evicted", logger.FieldEndpoint, key)
		v.client.Close()
	}, ttl)
	return c
}

// Get returns the cached client for ep, creating it on first use. Every hit
// restarts the entry's ttl.
func (c *ClientCache) Get(ep Endpoint) Indexer {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := ep.Key()
	if v, ok := c.lru.Get(key); ok {
		if v.password == ep.Password {
			c.lru.Add(key, v)
			return v.client
		}
		// credentials rotated
		c.lru.Remove(key)
	}
	client := c.factory(ep)
	c.lru.Add(key, cachedClient{client: client, password: ep.Password})
	c.logger.Debugw("Index client created", logger.FieldEndpoint, key)
	return client
}

// Len returns the number of cached clients
func (c *ClientCache) Len() int {
	return c.lru.Len()
}

// Purge closes and drops every client
func (c *ClientCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
