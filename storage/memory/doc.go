// Package memory provides an in-memory implementation of storage.Store.
//
// Each Store is a bounded map with least-recently-used eviction and an
// absolute expiry instant per entry. It is suitable for development, testing,
// and single-instance deployments where state does not need to be shared.
//
// Features:
//   - Thread-safe operations using a single sync.Mutex per store
//   - Lazy expiry: an entry past its expiry instant is never returned
//   - Background sweep that reclaims memory of expired entries
//   - LRU eviction once MaxEntries is reached
//   - Injectable clock for deterministic tests
//
// For multi-instance deployments use storage/valkey or storage/redis.
//
// Example usage:
//
//	nonces := memory.New(memory.Options{
//	    Name:       "nonces",
//	    MaxEntries: 50000,
//	    DefaultTTL: 2 * time.Minute,
//	})
//	defer nonces.Stop()
//
//	inserted, err := nonces.PutIfAbsent(ctx, nonce, "1", 0)
package memory
