package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/oauth-authz/instrumentation"
	"github.com/giantswarm/oauth-authz/storage"
)

const defaultCleanupInterval = time.Minute

type consentKey struct {
	userID   string
	clientID string
}

// entry is an ephemeral value. A zero expiresAt never expires.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	consents map[consentKey]*storage.UserConsent
	entries  map[string]*entry

	// Lock-free counters read by the storage size gauges.
	clientsCount  atomic.Int64
	consentsCount atomic.Int64
	entriesCount  atomic.Int64

	recorder *instrumentation.StorageRecorder
	now      func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var (
	_ storage.ClientStore    = (*Store)(nil)
	_ storage.ConsentStore   = (*Store)(nil)
	_ storage.EphemeralStore = (*Store)(nil)
)

// New creates a store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(defaultCleanupInterval)
}

// NewWithInterval creates a store with a custom cleanup interval.
// Non-positive values select the default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = defaultCleanupInterval
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		consents:        make(map[consentKey]*storage.UserConsent),
		entries:         make(map[string]*entry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables tracing, operation metrics and size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.recorder = instrumentation.NewStorageRecorder(inst, "memory")
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCount.Load() },
		func() int64 { return s.consentsCount.Load() },
		func() int64 { return s.entriesCount.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop terminates the background cleanup loop. It is safe to call twice.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

func (s *Store) start(ctx context.Context, operation string) (context.Context, func(error)) {
	s.mu.RLock()
	r := s.recorder
	s.mu.RUnlock()
	return r.Start(ctx, operation)
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient inserts or replaces a client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client.Clone()
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// UpdateClient replaces the client's mutable fields, keeping IsActive and
// CreatedAt as stored.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	_, done := s.start(ctx, "update_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clients[client.ClientID]
	if !ok {
		return storage.ErrClientNotFound
	}
	updated := client.Clone()
	updated.IsActive = existing.IsActive
	updated.CreatedAt = existing.CreatedAt
	s.clients[client.ClientID] = updated
	return nil
}

// DeactivateClient marks the client inactive.
func (s *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) (err error) {
	_, done := s.start(ctx, "deactivate_client")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return storage.ErrClientNotFound
	}
	client.IsActive = false
	client.UpdatedAt = at
	return nil
}

// GetClient returns a copy of the stored client.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	_, done := s.start(ctx, "get_client")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return client.Clone(), nil
}

// DeleteClient removes a client.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	_, done := s.start(ctx, "delete_client")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	s.clientsCount.Store(int64(len(s.clients)))
	return nil
}

// ListClientsByOwner returns the owner's clients ordered by creation time.
func (s *Store) ListClientsByOwner(ctx context.Context, owner string) (_ []*storage.Client, err error) {
	_, done := s.start(ctx, "list_clients")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Client
	for _, c := range s.clients {
		if c.Owner == owner {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================
// ConsentStore Implementation
// ============================================================

// GetConsent returns a copy of the consent for the pair.
func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (_ *storage.UserConsent, err error) {
	_, done := s.start(ctx, "get_consent")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consents[consentKey{userID, clientID}]
	if !ok {
		return nil, storage.ErrConsentNotFound
	}
	return c.Clone(), nil
}

// UpsertConsent stores the consent, replacing any record for the same pair.
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.UserConsent) (err error) {
	_, done := s.start(ctx, "upsert_consent")
	defer func() { done(err) }()

	if consent == nil || consent.UserID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent user ID and client ID cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[consentKey{consent.UserID, consent.ClientID}] = consent.Clone()
	s.consentsCount.Store(int64(len(s.consents)))
	return nil
}

// TouchConsent updates LastUsedAt of an active consent.
func (s *Store) TouchConsent(ctx context.Context, userID, clientID string, at time.Time) (err error) {
	_, done := s.start(ctx, "touch_consent")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consents[consentKey{userID, clientID}]; ok && c.IsActive {
		c.LastUsedAt = at
	}
	return nil
}

// ListConsentsByUser returns the user's consents ordered by grant time.
func (s *Store) ListConsentsByUser(ctx context.Context, userID string) (_ []*storage.UserConsent, err error) {
	_, done := s.start(ctx, "list_consents_by_user")
	defer func() { done(err) }()

	return s.listConsents(ctx, func(k consentKey) bool { return k.userID == userID })
}

// ListConsentsByClient returns the client's consents ordered by grant time.
func (s *Store) ListConsentsByClient(ctx context.Context, clientID string) (_ []*storage.UserConsent, err error) {
	_, done := s.start(ctx, "list_consents_by_client")
	defer func() { done(err) }()

	return s.listConsents(ctx, func(k consentKey) bool { return k.clientID == clientID })
}

func (s *Store) listConsents(ctx context.Context, match func(consentKey) bool) ([]*storage.UserConsent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.UserConsent
	for k, c := range s.consents {
		if match(k) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

// ============================================================
// EphemeralStore Implementation
// ============================================================

// Set stores value under key. A zero ttl never expires.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	_, done := s.start(ctx, "set")
	defer func() { done(err) }()

	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if ttl < 0 {
		return fmt.Errorf("ttl cannot be negative")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = e
	s.entriesCount.Store(int64(len(s.entries)))
	return nil
}

// Get returns a copy of the value, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (_ []byte, err error) {
	_, done := s.start(ctx, "get")
	defer func() {
		if err == storage.ErrNotFound {
			done(nil)
			return
		}
		done(err)
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) (err error) {
	_, done := s.start(ctx, "delete")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.entries, k)
	}
	s.entriesCount.Store(int64(len(s.entries)))
	return nil
}

// Increment atomically increments the integer at key. The whole
// read-modify-write happens under the write lock.
func (s *Store) Increment(ctx context.Context, key string) (_ int64, err error) {
	_, done := s.start(ctx, "increment")
	defer func() { done(err) }()

	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.now()) {
		s.entries[key] = &entry{value: []byte("1")}
		s.entriesCount.Store(int64(len(s.entries)))
		return 1, nil
	}

	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %q is not an integer", key)
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

// Scan returns the live keys with the given prefix in lexical order.
func (s *Store) Scan(ctx context.Context, prefix string) (_ []string, err error) {
	_, done := s.start(ctx, "scan")
	defer func() { done(err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired ephemeral entries and returns how many it removed.
func (s *Store) cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			cleaned++
		}
	}
	s.entriesCount.Store(int64(len(s.entries)))

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
	return cleaned
}
