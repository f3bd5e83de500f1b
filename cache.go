package conduit

import "context"

// CacheStats summarizes one cache partition.
type CacheStats struct {
	Entries int64
	// OldestMillis and NewestMillis bound the entry creation times. Zero
	// when the partition is empty.
	OldestMillis int64
	NewestMillis int64
}

// CacheHandle is a deterministic request-to-response cache partition. Keys
// come from CacheKey; values are serialized GenerationResponses. Writes are
// last-writer-wins per key.
//
// Get returns (nil, nil) on a miss. Implementations live under cache/.
type CacheHandle interface {
	Get(ctx context.Context, key string) (*GenerationResponse, error)
	Set(ctx context.Context, key string, resp *GenerationResponse) error
	Wipe(ctx context.Context) error
	Stats(ctx context.Context) (CacheStats, error)
}
