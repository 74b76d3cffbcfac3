// Package valkey provides a Valkey implementation of storage.EphemeralStore.
//
// Valkey is wire-compatible with Redis. Authorization codes, their usage
// counters, consent nonces and refresh token records all live here with
// native TTLs, so expiry is enforced by the server and every instance of the
// authorization server sees the same state.
//
// # Key Schema
//
// The store prepends its KeyPrefix (default "authz:") to every key it is
// given and strips it again from Scan results. The managers choose the rest
// of the key layout:
//
//	{prefix}code:{code}                  -> JSON(AuthorizationCode)
//	{prefix}code_uses:{code}             -> redemption counter
//	{prefix}pending:{nonce}              -> JSON(PendingAuthorization)
//	{prefix}pending_uses:{nonce}         -> nonce use counter
//	{prefix}rt:{sha256}                  -> JSON(RefreshToken)
//	{prefix}rt_idx:{user}:{client}:{sha} -> index marker
//
// # Atomicity
//
// Increment maps to INCR, which Valkey executes atomically. Single-use
// redemption relies on exactly one caller observing the value 1.
//
// Example usage:
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
package valkey
