// Package kv provides namespaced key/value buckets used for settings
// persistence and as the relay server's offer/answer store.
package kv

// Bucket is a flat string key/value namespace. Delete reports the value
// that was removed, which is what the relay's fetch-and-clear operation
// is built on.
type Bucket interface {
	Name() string
	Get(key string) (value string, ok bool, err error)
	Store(key, value string) error
	Delete(key string) (value string, ok bool, err error)
}
