// Package testutil provides testing utilities, a controllable clock and a
// shared behavioural suite for storage.Store implementations. The suite lets
// the in-memory, Valkey and Redis backends prove the same guarantees.
package testutil
