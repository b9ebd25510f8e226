package kv

import "sync"

// MemoryBucket is an in-memory bucket. Contents are lost on restart,
// which is acceptable for the relay store (the protocol tolerates a
// relay that loses state between calls).
type MemoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket(name string) *MemoryBucket {
	return &MemoryBucket{
		name:    name,
		entries: make(map[string]string),
	}
}

// Name returns the bucket name.
func (b *MemoryBucket) Name() string {
	return b.name
}

// Get retrieves a value by key.
func (b *MemoryBucket) Get(key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.entries[key]
	return value, ok, nil
}

// Store saves a value, overwriting any previous one.
func (b *MemoryBucket) Store(key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[key] = value
	return nil
}

// Delete removes a key and returns the value it held.
func (b *MemoryBucket) Delete(key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	value, ok := b.entries[key]
	if ok {
		delete(b.entries, key)
	}
	return value, ok, nil
}
