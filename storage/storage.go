package storage

import (
	"context"
	"time"
)

// ClientStore persists registered OAuth clients.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient inserts or replaces a client by ClientID.
	SaveClient(ctx context.Context, client *Client) error

	// UpdateClient overwrites the metadata and secret hash of an existing
	// client. It never changes IsActive or CreatedAt, so a concurrent
	// deactivation is not undone. Returns ErrClientNotFound if missing.
	UpdateClient(ctx context.Context, client *Client) error

	// DeactivateClient sets IsActive to false and UpdatedAt to at.
	// Returns ErrClientNotFound if missing.
	DeactivateClient(ctx context.Context, clientID string, at time.Time) error

	// GetClient returns ErrClientNotFound if the client does not exist.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// DeleteClient removes a client. Deleting a missing client is not an error.
	DeleteClient(ctx context.Context, clientID string) error

	// ListClientsByOwner returns the clients registered by owner.
	ListClientsByOwner(ctx context.Context, owner string) ([]*Client, error)
}

// ConsentStore persists user consent records keyed by (user, client).
type ConsentStore interface {
	// GetConsent returns ErrConsentNotFound if no record exists for the pair.
	GetConsent(ctx context.Context, userID, clientID string) (*UserConsent, error)

	// UpsertConsent inserts the record or replaces the existing one for the
	// same (UserID, ClientID) pair. It never creates a second record.
	UpsertConsent(ctx context.Context, consent *UserConsent) error

	// TouchConsent sets LastUsedAt on the record for the pair only while it
	// is active. Touching an inactive or missing record is a no-op.
	TouchConsent(ctx context.Context, userID, clientID string, at time.Time) error

	// ListConsentsByUser returns every record (active or not) for userID.
	ListConsentsByUser(ctx context.Context, userID string) ([]*UserConsent, error)

	// ListConsentsByClient returns every record (active or not) for clientID.
	ListConsentsByClient(ctx context.Context, clientID string) ([]*UserConsent, error)
}

// EphemeralStore is a TTL-capable key/value store.
//
// Increment must be a single atomic primitive: concurrent callers observe
// strictly increasing results. Incrementing a missing key creates it with
// value 1 and no expiry; incrementing an existing key keeps its expiry.
type EphemeralStore interface {
	// Set stores value under key for ttl. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrNotFound if key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// Increment atomically adds one to the integer stored at key and returns
	// the new value.
	Increment(ctx context.Context, key string) (int64, error)

	// Scan returns all live keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
}
