// Package memory provides an in-memory implementation of the storage
// interfaces.
//
// A single Store implements ClientStore, ConsentStore and EphemeralStore
// using maps guarded by a sync.RWMutex. Expired ephemeral entries are hidden
// from reads immediately and removed by a background cleanup loop.
//
// The store is suitable for development, tests and single-instance
// deployments. Multi-instance deployments should use storage/valkey or
// storage/redis for ephemeral data and storage/postgres for clients and
// consents.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	reg := registry.New(store, hasher, registry.Config{...})
//	codes := authcode.New(store, authcode.Config{...})
package memory
