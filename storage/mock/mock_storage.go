// Package mock provides storage implementations with overridable behavior
// for failure-injection tests.
//
// Each mock delegates to an in-memory store by default. Tests replace the
// function fields to simulate timeouts, outages or races, and inspect
// CallCounts afterwards.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-authz/storage"
	"github.com/giantswarm/oauth-authz/storage/memory"
)

// MockEphemeralStore is a storage.EphemeralStore for testing.
type MockEphemeralStore struct {
	mu         sync.Mutex
	callCounts map[string]int

	SetFunc       func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	GetFunc       func(ctx context.Context, key string) ([]byte, error)
	DeleteFunc    func(ctx context.Context, keys ...string) error
	IncrementFunc func(ctx context.Context, key string) (int64, error)
	ScanFunc      func(ctx context.Context, prefix string) ([]string, error)

	// Backing is the store the default functions delegate to.
	Backing *memory.Store
}

var _ storage.EphemeralStore = (*MockEphemeralStore)(nil)

// NewMockEphemeralStore creates a mock backed by a fresh memory store.
// Call Stop when done.
func NewMockEphemeralStore() *MockEphemeralStore {
	backing := memory.New()
	return &MockEphemeralStore{
		callCounts:    make(map[string]int),
		Backing:       backing,
		SetFunc:       backing.Set,
		GetFunc:       backing.Get,
		DeleteFunc:    backing.Delete,
		IncrementFunc: backing.Increment,
		ScanFunc:      backing.Scan,
	}
}

// Stop stops the backing store.
func (m *MockEphemeralStore) Stop() {
	m.Backing.Stop()
}

func (m *MockEphemeralStore) count(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[op]++
}

// CallCount returns how often op ("Set", "Get", ...) was called.
func (m *MockEphemeralStore) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[op]
}

// Set calls SetFunc.
func (m *MockEphemeralStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.count("Set")
	return m.SetFunc(ctx, key, value, ttl)
}

// Get calls GetFunc.
func (m *MockEphemeralStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.count("Get")
	return m.GetFunc(ctx, key)
}

// Delete calls DeleteFunc.
func (m *MockEphemeralStore) Delete(ctx context.Context, keys ...string) error {
	m.count("Delete")
	return m.DeleteFunc(ctx, keys...)
}

// Increment calls IncrementFunc.
func (m *MockEphemeralStore) Increment(ctx context.Context, key string) (int64, error) {
	m.count("Increment")
	return m.IncrementFunc(ctx, key)
}

// Scan calls ScanFunc.
func (m *MockEphemeralStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.count("Scan")
	return m.ScanFunc(ctx, prefix)
}

// MockConsentStore is a storage.ConsentStore for testing.
type MockConsentStore struct {
	GetConsentFunc           func(ctx context.Context, userID, clientID string) (*storage.UserConsent, error)
	UpsertConsentFunc        func(ctx context.Context, consent *storage.UserConsent) error
	TouchConsentFunc         func(ctx context.Context, userID, clientID string, at time.Time) error
	ListConsentsByUserFunc   func(ctx context.Context, userID string) ([]*storage.UserConsent, error)
	ListConsentsByClientFunc func(ctx context.Context, clientID string) ([]*storage.UserConsent, error)

	Backing *memory.Store
}

var _ storage.ConsentStore = (*MockConsentStore)(nil)

// NewMockConsentStore creates a mock backed by a fresh memory store.
// Call Stop when done.
func NewMockConsentStore() *MockConsentStore {
	backing := memory.New()
	return &MockConsentStore{
		Backing:                  backing,
		GetConsentFunc:           backing.GetConsent,
		UpsertConsentFunc:        backing.UpsertConsent,
		TouchConsentFunc:         backing.TouchConsent,
		ListConsentsByUserFunc:   backing.ListConsentsByUser,
		ListConsentsByClientFunc: backing.ListConsentsByClient,
	}
}

// Stop stops the backing store.
func (m *MockConsentStore) Stop() {
	m.Backing.Stop()
}

// GetConsent calls GetConsentFunc.
func (m *MockConsentStore) GetConsent(ctx context.Context, userID, clientID string) (*storage.UserConsent, error) {
	return m.GetConsentFunc(ctx, userID, clientID)
}

// UpsertConsent calls UpsertConsentFunc.
func (m *MockConsentStore) UpsertConsent(ctx context.Context, consent *storage.UserConsent) error {
	return m.UpsertConsentFunc(ctx, consent)
}

// TouchConsent calls TouchConsentFunc.
func (m *MockConsentStore) TouchConsent(ctx context.Context, userID, clientID string, at time.Time) error {
	return m.TouchConsentFunc(ctx, userID, clientID, at)
}

// ListConsentsByUser calls ListConsentsByUserFunc.
func (m *MockConsentStore) ListConsentsByUser(ctx context.Context, userID string) ([]*storage.UserConsent, error) {
	return m.ListConsentsByUserFunc(ctx, userID)
}

// ListConsentsByClient calls ListConsentsByClientFunc.
func (m *MockConsentStore) ListConsentsByClient(ctx context.Context, clientID string) ([]*storage.UserConsent, error) {
	return m.ListConsentsByClientFunc(ctx, clientID)
}

// BlockUntilCanceled returns an IncrementFunc that waits for the context to
// end and returns its error, simulating an unresponsive store.
func BlockUntilCanceled() func(ctx context.Context, key string) (int64, error) {
	return func(ctx context.Context, _ string) (int64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
}
