// Package twogen implements the two-generation map used by the telemetry
// caches. Entries touched during a cycle live in the current generation;
// entries left behind in the previous generation are dropped wholesale when
// the generations are swapped at cycle end. A key is moved between
// generations, never duplicated, so at most one entry per key exists at any
// instant.
package twogen

// Cache holds a current and a previous generation of key/value pairs.
type Cache[K comparable, V any] struct {
	prev map[K]V
	cur  map[K]V
}

// New returns an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		prev: make(map[K]V),
		cur:  make(map[K]V),
	}
}

// Touch looks up key, promoting it from the previous generation into the
// current one on first contact this cycle. It reports whether an entry
// existed.
func (c *Cache[K, V]) Touch(key K) (V, bool) {
	if value, ok := c.cur[key]; ok {
		return value, true
	}
	if value, ok := c.prev[key]; ok {
		delete(c.prev, key)
		c.cur[key] = value
		return value, true
	}
	var zero V
	return zero, false
}

// Store places value into the current generation under key.
func (c *Cache[K, V]) Store(key K, value V) {
	c.cur[key] = value
}

// Swap reaps every entry not touched this cycle: the previous generation is
// discarded, the current generation becomes the previous one, and a fresh
// current generation is started.
func (c *Cache[K, V]) Swap() {
	c.prev = c.cur
	c.cur = make(map[K]V)
}

// Clear drops both generations.
func (c *Cache[K, V]) Clear() {
	c.prev = make(map[K]V)
	c.cur = make(map[K]V)
}

// Len returns the number of live entries across both generations.
func (c *Cache[K, V]) Len() int {
	return len(c.prev) + len(c.cur)
}

// Contains reports whether key is present in either generation without
// promoting it.
func (c *Cache[K, V]) Contains(key K) bool {
	if _, ok := c.cur[key]; ok {
		return true
	}
	_, ok := c.prev[key]
	return ok
}
