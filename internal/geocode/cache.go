package geocode

import (
	"encoding/json"
	"fmt"
	"io"

	gocache "github.com/patrickmn/go-cache"
)

// Cache maps literal queries to the top place, or to nil for a known miss.
// Concurrent lookups of one key may both reach the service; the later Set wins
// and the service answers deterministically.
type Cache struct {
	cache *gocache.Cache
}

// NewCache creates an empty cache whose entries never expire.
func NewCache() *Cache {
	return &Cache{cache: gocache.New(gocache.NoExpiration, 0)}
}

// Get returns the cached place and whether the query was seen.
func (c *Cache) Get(query string) (*Place, bool) {
	v, found := c.cache.Get(query)
	if !found {
		return nil, false
	}
	p, _ := v.(*Place)
	return p, true
}

// Set records the answer for query. A nil place records a miss.
func (c *Cache) Set(query string, p *Place) {
	c.cache.Set(query, p, gocache.NoExpiration)
}

// Len returns the number of cached queries.
func (c *Cache) Len() int {
	return c.cache.ItemCount()
}

// Load merges a snapshot written by Save.
func (c *Cache) Load(r io.Reader) error {
	var snapshot map[string]*Place
	if err := json.NewDecoder(r).Decode(&snapshot); err != nil {
		return fmt.Errorf("decode geocode cache: %w", err)
	}
	for q, p := range snapshot {
		c.Set(q, p)
	}
	return nil
}

// Save writes every entry as a JSON object keyed by query.
func (c *Cache) Save(w io.Writer) error {
	items := c.cache.Items()
	snapshot := make(map[string]*Place, len(items))
	for q, item := range items {
		p, _ := item.Object.(*Place)
		snapshot[q] = p
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshot); err != nil {
		return fmt.Errorf("encode geocode cache: %w", err)
	}
	return nil
}
