// Package keyedmutex serializes work per key (wallet owner, order id) without a global lock.
package keyedmutex

import (
	"sort"
	"sync"
)

// Set hands out one mutex per key. Entries are reference counted and dropped when unused.
type Set struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New returns an empty Set.
func New() *Set {
	return &Set{entries: make(map[string]*entry)}
}

// Lock acquires the mutexes of all keys in ascending key order and returns the matching unlock
// function. Duplicate and empty keys are ignored.
func (set *Set) Lock(keys ...string) func() {
	ordered := normalizeKeys(keys)
	acquired := make([]*entry, 0, len(ordered))
	for _, key := range ordered {
		keyEntry := set.retain(key)
		keyEntry.mu.Lock()
		acquired = append(acquired, keyEntry)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for index := len(acquired) - 1; index >= 0; index-- {
				acquired[index].mu.Unlock()
				set.release(ordered[index])
			}
		})
	}
}

// Len returns the number of keys currently held or waited on.
func (set *Set) Len() int {
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.entries)
}

func (set *Set) retain(key string) *entry {
	set.mu.Lock()
	defer set.mu.Unlock()
	keyEntry, ok := set.entries[key]
	if !ok {
		keyEntry = &entry{}
		set.entries[key] = keyEntry
	}
	keyEntry.refs++
	return keyEntry
}

func (set *Set) release(key string) {
	set.mu.Lock()
	defer set.mu.Unlock()
	keyEntry, ok := set.entries[key]
	if !ok {
		return
	}
	keyEntry.refs--
	if keyEntry.refs <= 0 {
		delete(set.entries, key)
	}
}

func normalizeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)
	return ordered
}
