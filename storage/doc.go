// Package storage defines the expiring key/value store used by every gateway
// component to keep its short-lived state: failed login counters, lockout
// records, the nonce ledger, CSRF tokens, usage counters and rate windows.
//
// The Store interface exposes a small set of atomic primitives:
//   - Put / Get / Delete / Contains: plain TTL entries
//   - PutIfAbsent: insert-if-absent, used for replay protection
//   - Increment: counter with an optional ceiling, used by all limiters
//
// Implementations are provided in subpackages:
//   - storage/memory: bounded LRU store for single-process deployments
//   - storage/valkey: Valkey-backed store shared across processes
//   - storage/redis: Redis-backed store shared across processes
//   - storage/fallback: shared primary with an explicit local fallback policy
//
// Each gateway component owns one named store instance. Shared backends
// implement names as key prefixes over a single client connection.
package storage
