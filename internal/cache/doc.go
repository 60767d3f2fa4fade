// Package cache stores encrypted tokens and key sets so that every process
// sharing one credential can reuse a token another process already fetched.
//
// A Store seals values with crypto.Codec and delegates raw bytes to a
// Backend. Three backends exist:
//
//   - MemoryBackend: patrickmn/go-cache, scoped to the process
//   - RedisBackend: go-redis, entries expire with the token (SET ... EX)
//   - DynamoBackend: a table keyed by "key" with a TTL-enrolled
//     "expiration" attribute, provisioned idempotently on first use
//
// Open selects a backend from a connection descriptor; nothing is chosen
// implicitly and no backend is shared through package state.
//
// Keys are "tokenbridge:token:<caller>:<audience>" for tokens and
// "tokenbridge:jwks:<caller>:<audience>" for key sets. Writes are plain
// overwrites, so when two processes refresh at once the later write wins.
// Both tokens are valid and differ only slightly in expiry.
package cache
