package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oauth-authz/storage"
)

const clientColumns = `client_id, client_secret_hash, client_type, redirect_uris, scopes, owner,
	name, description, website, allow_plain_pkce, is_active, created_at, updated_at`

// SaveClient inserts the client or replaces the existing row.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.recorder.Start(ctx, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID cannot be empty")
	}

	query := `
		INSERT INTO oauth_clients (` + clientColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (client_id) DO UPDATE SET
			client_secret_hash = EXCLUDED.client_secret_hash,
			client_type        = EXCLUDED.client_type,
			redirect_uris      = EXCLUDED.redirect_uris,
			scopes             = EXCLUDED.scopes,
			owner              = EXCLUDED.owner,
			name               = EXCLUDED.name,
			description        = EXCLUDED.description,
			website            = EXCLUDED.website,
			allow_plain_pkce   = EXCLUDED.allow_plain_pkce,
			is_active          = EXCLUDED.is_active,
			updated_at         = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		client.ClientID, client.ClientSecretHash, client.ClientType, client.RedirectURIs, client.Scopes,
		client.Owner, client.Name, client.Description, client.Website, client.AllowPlainPKCE,
		client.IsActive, client.CreatedAt, client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

// UpdateClient rewrites the mutable columns of an existing row. is_active
// and created_at are left alone.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.recorder.Start(ctx, "update_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client ID cannot be empty")
	}

	query := `
		UPDATE oauth_clients SET
			client_secret_hash = $2,
			redirect_uris      = $3,
			scopes             = $4,
			name               = $5,
			description        = $6,
			website            = $7,
			allow_plain_pkce   = $8,
			updated_at         = $9
		WHERE client_id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		client.ClientID, client.ClientSecretHash, client.RedirectURIs, client.Scopes,
		client.Name, client.Description, client.Website, client.AllowPlainPKCE, client.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// DeactivateClient clears is_active on the row.
func (s *Store) DeactivateClient(ctx context.Context, clientID string, at time.Time) (err error) {
	ctx, done := s.recorder.Start(ctx, "deactivate_client")
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx,
		`UPDATE oauth_clients SET is_active = false, updated_at = $2 WHERE client_id = $1`,
		clientID, at)
	if err != nil {
		return fmt.Errorf("failed to deactivate client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrClientNotFound
	}
	return nil
}

// GetClient returns storage.ErrClientNotFound for unknown ids.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.recorder.Start(ctx, "get_client")
	defer func() { done(err) }()

	query := `SELECT ` + clientColumns + ` FROM oauth_clients WHERE client_id = $1`
	client, err := scanClient(s.pool.QueryRow(ctx, query, clientID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// DeleteClient removes the row if present.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, done := s.recorder.Start(ctx, "delete_client")
	defer func() { done(err) }()

	if _, err = s.pool.Exec(ctx, `DELETE FROM oauth_clients WHERE client_id = $1`, clientID); err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return nil
}

// ListClientsByOwner returns the owner's clients ordered by creation time.
func (s *Store) ListClientsByOwner(ctx context.Context, owner string) (_ []*storage.Client, err error) {
	ctx, done := s.recorder.Start(ctx, "list_clients")
	defer func() { done(err) }()

	query := `SELECT ` + clientColumns + ` FROM oauth_clients WHERE owner = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client: %w", err)
		}
		clients = append(clients, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return clients, nil
}

func scanClient(row pgx.Row) (*storage.Client, error) {
	c := &storage.Client{}
	err := row.Scan(
		&c.ClientID, &c.ClientSecretHash, &c.ClientType, &c.RedirectURIs, &c.Scopes, &c.Owner,
		&c.Name, &c.Description, &c.Website, &c.AllowPlainPKCE, &c.IsActive, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}
