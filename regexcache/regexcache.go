// Package regexcache holds the process-wide compiled pattern cache shared
// by all scans, and the per-task runtime that memoizes match results so a
// pattern applied to the same input twice within one scan (for example by a
// rule and later by a composite check) compiles and executes once.
//
// The Cache is read-mostly and safe for concurrent use from many tasks; a
// Runtime belongs to exactly one task.
package regexcache

import (
	"regexp"
	"sync"
)

// Cache compiles and retains patterns for the lifetime of the process
// configuration that owns it.
type Cache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
}

// NewCache creates an empty pattern cache.
func NewCache() *Cache {
	return &Cache{compiled: make(map[string]*regexp.Regexp)}
}

// Get returns the compiled form of pattern, compiling and caching it on
// first use.
func (c *Cache) Get(pattern string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.compiled[pattern]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// Another task may have raced us; keep the first entry.
	if prev, ok := c.compiled[pattern]; ok {
		re = prev
	} else {
		c.compiled[pattern] = re
	}
	c.mu.Unlock()

	return re, nil
}

// Len returns the number of cached patterns.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// Runtime is the per-task view of a Cache with match memoization. It is not
// safe for concurrent use; each task owns one.
type Runtime struct {
	cache   *Cache
	results map[matchKey]bool
	checked uint64
	hits    uint64
}

type matchKey struct {
	pattern string
	input   string
}

// NewRuntime creates a runtime backed by the shared cache.
func NewRuntime(cache *Cache) *Runtime {
	return &Runtime{
		cache:   cache,
		results: make(map[matchKey]bool),
	}
}

// Match reports whether pattern matches input, consulting the memoized
// result from an earlier identical check within the same task when present.
func (rt *Runtime) Match(pattern string, input []byte) (bool, error) {
	key := matchKey{pattern: pattern, input: string(input)}

	rt.checked++
	if res, ok := rt.results[key]; ok {
		rt.hits++
		return res, nil
	}

	re, err := rt.cache.Get(pattern)
	if err != nil {
		return false, err
	}

	res := re.Match(input)
	rt.results[key] = res
	return res, nil
}

// Stats returns the number of checks performed and memoization hits.
func (rt *Runtime) Stats() (checked, hits uint64) {
	return rt.checked, rt.hits
}

// Close releases the memoized state. The runtime must not be used after
// Close; the shared cache is unaffected.
func (rt *Runtime) Close() {
	rt.results = nil
	rt.cache = nil
}
