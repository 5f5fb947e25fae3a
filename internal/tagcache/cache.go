// Package tagcache provides an LRU cache in front of a profile.TagCatalog.
//
// Tags are immutable reference data, so cached entries never go stale. Only
// tags the catalog returned are cached; missing names are looked up again on
// every request. Embeddings are copied in and out of the cache.
package tagcache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/onnwee/nemesis/internal/profile"
	"github.com/onnwee/nemesis/internal/vector"
)

// DefaultSize is the cache capacity used when none is configured.
const DefaultSize = 1024

// Catalog is a profile.TagCatalog backed by an LRU cache.
type Catalog struct {
	inner profile.TagCatalog
	cache *lru.Cache[string, profile.Tag]
}

// New wraps inner with a cache holding up to size tags.
func New(inner profile.TagCatalog, size int) (*Catalog, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, profile.Tag](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create tag cache: %w", err)
	}
	return &Catalog{inner: inner, cache: cache}, nil
}

// GetTags serves names from the cache and fetches the rest from the
// underlying catalog in one call.
func (c *Catalog) GetTags(ctx context.Context, names []string) (map[string]profile.Tag, error) {
	result := make(map[string]profile.Tag, len(names))
	var misses []string
	for _, name := range names {
		if tag, ok := c.cache.Get(name); ok {
			result[name] = cloneTag(tag)
			continue
		}
		misses = append(misses, name)
	}

	if len(misses) == 0 {
		return result, nil
	}

	fetched, err := c.inner.GetTags(ctx, misses)
	if err != nil {
		return nil, err
	}
	for name, tag := range fetched {
		c.cache.Add(name, cloneTag(tag))
		result[name] = cloneTag(tag)
	}
	return result, nil
}

func cloneTag(t profile.Tag) profile.Tag {
	t.Embedding = vector.Clone(t.Embedding)
	return t
}

// Len returns the number of cached tags.
func (c *Catalog) Len() int {
	return c.cache.Len()
}

// Purge drops every cached tag.
func (c *Catalog) Purge() {
	c.cache.Purge()
}
