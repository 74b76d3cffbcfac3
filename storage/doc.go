// Package storage defines the persistence contracts of the authorization server.
//
// Two kinds of store are used:
//   - Durable stores (ClientStore, ConsentStore) hold registered clients and
//     user consent records keyed by their natural keys.
//   - An EphemeralStore holds short-lived artifacts (authorization codes,
//     refresh tokens, pending consent requests) under a TTL and provides the
//     atomic increment primitive that single-use redemption relies on.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process stores for development and tests
//   - storage/valkey: Valkey-backed EphemeralStore
//   - storage/redis: Redis-backed EphemeralStore (go-redis)
//   - storage/postgres: PostgreSQL-backed ClientStore and ConsentStore
//   - storage/mock: function-field stores for failure injection in tests
package storage
