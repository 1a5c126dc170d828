// Package valkey provides a Valkey storage backend for the request gateway.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// Using it lets several gateway processes share lockouts, the nonce ledger,
// CSRF tokens and counters, so a client cannot multiply its budget by
// spreading requests across instances.
//
// # Key Schema
//
// All keys use a configurable prefix (default "gate:") followed by the name
// of the store that owns them:
//
//	{prefix}failed_logins:{ip}        -> count (TTL 1h)
//	{prefix}lockouts:{ip}             -> unlock unix time (TTL = lockout duration)
//	{prefix}nonces:{nonce}            -> "1" (TTL 2m)
//	{prefix}csrf_tokens:{session}     -> sha256(token) (TTL 1h)
//	{prefix}usage:rate:{identity}     -> count (TTL 1h, refreshed)
//	{prefix}rate_windows:{route}:{id} -> count (TTL = window)
//
// # Atomic Operations
//
// PutIfAbsent and Increment run as Lua scripts so that the check and the
// write happen in a single server-side step:
//
//   - PutIfAbsent: SET NX PX, exactly one caller wins per nonce
//   - Increment: the ceiling check and INCR cannot interleave
//
// # Usage
//
//	client, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "gate:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	nonces := client.Namespace("nonces", 2*time.Minute)
//
// # Testing
//
// Tests in this package need a running Valkey server and are skipped when
// none is reachable. Set VALKEY_TEST_ADDR to point at a custom address.
package valkey
