package priors

import "sync"

// Cache memoizes lattices by configuration identity. A lattice is generated
// at most once per key and then shared read-only by every caller.
type Cache struct {
	entries sync.Map // map[string]*cacheEntry
}

type cacheEntry struct {
	once    sync.Once
	lattice *Lattice
	err     error
}

// Get returns the lattice for cfg, generating it on first use.
func (c *Cache) Get(cfg ScaleConfig) (*Lattice, error) {
	v, _ := c.entries.LoadOrStore(cfg.Key(), &cacheEntry{})
	entry := v.(*cacheEntry)
	entry.once.Do(func() {
		entry.lattice, entry.err = Generate(cfg)
	})
	return entry.lattice, entry.err
}

// Len returns the number of cached configurations.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

var shared Cache

// Shared returns the process-wide lattice for cfg.
func Shared(cfg ScaleConfig) (*Lattice, error) {
	return shared.Get(cfg)
}
