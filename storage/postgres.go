package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"connectd/core"
)

//go:embed schema/postgres/schema.sql
var postgresSchema string

const pgTokenColumns = `id, slug, provider, owner_id::text, external_user_id, access_token, token_type, scope,
	refresh_token, refresh_token_expires_at, expires_at, profile::text, name, created_at, updated_at`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, postgresSchema)
	return err
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) EnsureOwner(ctx context.Context, ownerID uuid.UUID) error {
	const q = `
INSERT INTO owners (id) VALUES ($1::uuid)
ON CONFLICT (id) DO NOTHING;
`
	_, err := r.pool.Exec(ctx, q, ownerID.String())
	return err
}

func (r *PostgresRepository) DeleteOwner(ctx context.Context, ownerID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM owners WHERE id = $1::uuid`, ownerID.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) GetOrCreateToken(ctx context.Context, provider core.Provider, externalUserID string, ownerID uuid.UUID) (*core.OAuthToken, bool, error) {
	const insert = `
INSERT INTO oauth_tokens (slug, provider, owner_id, external_user_id)
VALUES ($1, $2, $3::uuid, $4)
ON CONFLICT (provider, external_user_id) DO NOTHING
RETURNING ` + pgTokenColumns + `;
`
	token, err := scanPgToken(r.pool.QueryRow(ctx, insert, newSlug(), string(provider), ownerID.String(), externalUserID))
	if err == nil {
		return token, true, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, false, err
	}

	// the row already existed
	const q = `SELECT ` + pgTokenColumns + ` FROM oauth_tokens WHERE provider = $1 AND external_user_id = $2;`
	token, err = scanPgToken(r.pool.QueryRow(ctx, q, string(provider), externalUserID))
	if err != nil {
		return nil, false, err
	}
	if token.OwnerID != ownerID {
		return nil, false, core.ErrAlreadyExists
	}
	return token, false, nil
}

func (r *PostgresRepository) UpdateToken(ctx context.Context, token *core.OAuthToken, prevAccessToken string) error {
	profile, err := encodeProfile(token.Profile)
	if err != nil {
		return err
	}

	const q = `
UPDATE oauth_tokens
SET access_token = $1, token_type = $2, scope = $3, refresh_token = $4,
	refresh_token_expires_at = $5, expires_at = $6, profile = $7::jsonb, name = $8, updated_at = $9
WHERE slug = $10 AND access_token = $11;
`
	tag, err := r.pool.Exec(ctx, q,
		token.AccessToken,
		token.TokenType,
		token.Scope,
		token.RefreshToken,
		token.RefreshTokenExpiresAt,
		token.ExpiresAt,
		profile,
		token.Name,
		token.UpdatedAt,
		token.Slug,
		prevAccessToken,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM oauth_tokens WHERE slug = $1)`, token.Slug).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return core.ErrNotFound
	}
	return core.ErrConflict
}

func (r *PostgresRepository) FindTokenBySlug(ctx context.Context, slug string) (*core.OAuthToken, error) {
	const q = `SELECT ` + pgTokenColumns + ` FROM oauth_tokens WHERE slug = $1;`
	return scanPgToken(r.pool.QueryRow(ctx, q, slug))
}

func (r *PostgresRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]*core.OAuthToken, error) {
	const q = `SELECT ` + pgTokenColumns + ` FROM oauth_tokens WHERE owner_id = $1::uuid ORDER BY created_at, id;`
	rows, err := r.pool.Query(ctx, q, ownerID.String())
	if err != nil {
		return nil, err
	}
	return scanPgTokens(rows)
}

func (r *PostgresRepository) ListTokens(ctx context.Context) ([]*core.OAuthToken, error) {
	const q = `SELECT ` + pgTokenColumns + ` FROM oauth_tokens ORDER BY created_at, id;`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return scanPgTokens(rows)
}

func (r *PostgresRepository) DeleteToken(ctx context.Context, slug string, ownerID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM oauth_tokens WHERE slug = $1 AND owner_id = $2::uuid`, slug, ownerID.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func scanPgToken(row pgx.Row) (*core.OAuthToken, error) {
	var (
		token            core.OAuthToken
		provider         string
		ownerID, profile string
		createdAt        time.Time
		updatedAt        time.Time
	)
	err := row.Scan(
		&token.ID,
		&token.Slug,
		&provider,
		&ownerID,
		&token.ExternalUserID,
		&token.AccessToken,
		&token.TokenType,
		&token.Scope,
		&token.RefreshToken,
		&token.RefreshTokenExpiresAt,
		&token.ExpiresAt,
		&profile,
		&token.Name,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" { // unique_violation
			return nil, core.ErrAlreadyExists
		}
		return nil, err
	}

	token.Provider = core.Provider(provider)
	token.OwnerID, err = uuid.Parse(ownerID)
	if err != nil {
		return nil, fmt.Errorf("invalid owner id %q: %w", ownerID, err)
	}
	token.Profile, err = decodeProfile(profile)
	if err != nil {
		return nil, err
	}
	token.CreatedAt = createdAt
	token.UpdatedAt = updatedAt
	return &token, nil
}

func scanPgTokens(rows pgx.Rows) ([]*core.OAuthToken, error) {
	defer rows.Close()

	tokens := []*core.OAuthToken{}
	for rows.Next() {
		token, err := scanPgToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}
