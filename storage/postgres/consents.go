package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oauth-authz/storage"
)

const consentColumns = `user_id, client_id, scopes, granted_at, last_used_at, is_active`

// GetConsent returns storage.ErrConsentNotFound when no row exists.
func (s *Store) GetConsent(ctx context.Context, userID, clientID string) (_ *storage.UserConsent, err error) {
	ctx, done := s.recorder.Start(ctx, "get_consent")
	defer func() { done(err) }()

	query := `SELECT ` + consentColumns + ` FROM oauth_consents WHERE user_id = $1 AND client_id = $2`
	c, err := scanConsent(s.pool.QueryRow(ctx, query, userID, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return c, nil
}

// UpsertConsent writes the single row for (user_id, client_id).
func (s *Store) UpsertConsent(ctx context.Context, consent *storage.UserConsent) (err error) {
	ctx, done := s.recorder.Start(ctx, "upsert_consent")
	defer func() { done(err) }()

	if consent == nil || consent.UserID == "" || consent.ClientID == "" {
		return fmt.Errorf("consent user ID and client ID cannot be empty")
	}

	var lastUsed *time.Time
	if !consent.LastUsedAt.IsZero() {
		lastUsed = &consent.LastUsedAt
	}

	query := `
		INSERT INTO oauth_consents (` + consentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			scopes       = EXCLUDED.scopes,
			granted_at   = EXCLUDED.granted_at,
			last_used_at = EXCLUDED.last_used_at,
			is_active    = EXCLUDED.is_active
	`
	_, err = s.pool.Exec(ctx, query,
		consent.UserID, consent.ClientID, consent.Scopes, consent.GrantedAt, lastUsed, consent.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert consent: %w", err)
	}
	return nil
}

// TouchConsent sets last_used_at on the active row for the pair.
func (s *Store) TouchConsent(ctx context.Context, userID, clientID string, at time.Time) (err error) {
	ctx, done := s.recorder.Start(ctx, "touch_consent")
	defer func() { done(err) }()

	_, err = s.pool.Exec(ctx,
		`UPDATE oauth_consents SET last_used_at = $3 WHERE user_id = $1 AND client_id = $2 AND is_active`,
		userID, clientID, at)
	if err != nil {
		return fmt.Errorf("failed to touch consent: %w", err)
	}
	return nil
}

// ListConsentsByUser returns the user's consents ordered by grant time.
func (s *Store) ListConsentsByUser(ctx context.Context, userID string) (_ []*storage.UserConsent, err error) {
	ctx, done := s.recorder.Start(ctx, "list_consents_by_user")
	defer func() { done(err) }()

	return s.listConsents(ctx,
		`SELECT `+consentColumns+` FROM oauth_consents WHERE user_id = $1 ORDER BY granted_at`, userID)
}

// ListConsentsByClient returns the client's consents ordered by grant time.
func (s *Store) ListConsentsByClient(ctx context.Context, clientID string) (_ []*storage.UserConsent, err error) {
	ctx, done := s.recorder.Start(ctx, "list_consents_by_client")
	defer func() { done(err) }()

	return s.listConsents(ctx,
		`SELECT `+consentColumns+` FROM oauth_consents WHERE client_id = $1 ORDER BY granted_at`, clientID)
}

func (s *Store) listConsents(ctx context.Context, query string, arg string) ([]*storage.UserConsent, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	var out []*storage.UserConsent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	return out, nil
}

func scanConsent(row pgx.Row) (*storage.UserConsent, error) {
	c := &storage.UserConsent{}
	var lastUsed *time.Time
	if err := row.Scan(&c.UserID, &c.ClientID, &c.Scopes, &c.GrantedAt, &lastUsed, &c.IsActive); err != nil {
		return nil, err
	}
	if lastUsed != nil {
		c.LastUsedAt = *lastUsed
	}
	return c, nil
}
