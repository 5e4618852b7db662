// Package metadata keeps author display names and fetches missing ones from
// relays.
package metadata

import (
	gocache "github.com/patrickmn/go-cache"

	"kapestr/pkg/metrics"
)

// Cache maps an author's public key to a display name. Entries never expire
// and the last write wins.
type Cache struct {
	items *gocache.Cache
}

func NewCache() *Cache {
	return &Cache{items: gocache.New(gocache.NoExpiration, 0)}
}

func (c *Cache) Get(author string) (string, bool) {
	v, ok := c.items.Get(author)
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

func (c *Cache) Set(author, name string) {
	c.items.Set(author, name, gocache.NoExpiration)
	metrics.MetadataCacheSize.Set(float64(c.items.ItemCount()))
}

func (c *Cache) Len() int {
	return c.items.ItemCount()
}
