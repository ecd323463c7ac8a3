package types

import (
	"time"
)

// CacheEntry is replaced wholesale on refresh and never mutated after creation.
type CacheEntry struct {
	Value     interface{} `json:"value"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return e == nil || !now.Before(e.ExpiresAt)
}
