// Package coordinator is the shared key-value store used to hand state
// between webhook handlers and delayed tasks running in other processes.
package coordinator

import (
	"context"
	"time"
)

// Coordinator is a TTL-capable string and list store. Incr and Append are
// atomic with respect to each other and to Drain.
type Coordinator interface {
	// Incr increments the integer at key and refreshes its expiry.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Append pushes value to the tail of the list at key and refreshes its expiry.
	Append(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the string at key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value at key with the given expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Drain returns the whole list at listKey and deletes it together with
	// the extra keys in one step.
	Drain(ctx context.Context, listKey string, alsoDelete ...string) ([]string, error)
	Close() error
}
