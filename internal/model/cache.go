package model

import "time"

// CacheEntry is a value stored through the cache coordinator
type CacheEntry struct {
	Key      string
	Value    []byte
	TTL      time.Duration
	Category string
}
