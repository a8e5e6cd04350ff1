package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"connectd/core"
)

//go:embed schema/sqlite/schema.sql
var sqliteSchema string

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// sqliteDSN turns on foreign keys for every connection the pool opens.
func sqliteDSN(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) initSchema() error {
	_, err := r.db.Exec(sqliteSchema)
	return err
}

func (r *SQLiteRepository) EnsureOwner(ctx context.Context, ownerID uuid.UUID) error {
	query := `
		INSERT INTO owners (id, created_at)
		VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, ownerID.String(), time.Now().Unix())
	return err
}

func (r *SQLiteRepository) DeleteOwner(ctx context.Context, ownerID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, ownerID.String())
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) GetOrCreateToken(ctx context.Context, provider core.Provider, externalUserID string, ownerID uuid.UUID) (*core.OAuthToken, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	query := `SELECT ` + tokenColumns + `
		FROM oauth_tokens
		WHERE provider = ? AND external_user_id = ?
	`
	token, err := scanToken(tx.QueryRowContext(ctx, query, string(provider), externalUserID))
	if err == nil {
		if token.OwnerID != ownerID {
			return nil, false, core.ErrAlreadyExists
		}
		return token, false, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().Truncate(time.Second)
	token = &core.OAuthToken{
		Slug:           newSlug(),
		Provider:       provider,
		OwnerID:        ownerID,
		ExternalUserID: externalUserID,
		Profile:        core.UserInfo{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	insert := `
		INSERT INTO oauth_tokens (slug, provider, owner_id, external_user_id, profile, created_at, updated_at)
		VALUES (?, ?, ?, ?, '{}', ?, ?)
	`
	result, err := tx.ExecContext(ctx, insert,
		token.Slug,
		string(provider),
		ownerID.String(),
		externalUserID,
		now.Unix(),
		now.Unix(),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, false, core.ErrAlreadyExists
		}
		return nil, false, err
	}

	token.ID, err = result.LastInsertId()
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return token, true, nil
}

func (r *SQLiteRepository) UpdateToken(ctx context.Context, token *core.OAuthToken, prevAccessToken string) error {
	profile, err := encodeProfile(token.Profile)
	if err != nil {
		return err
	}

	query := `
		UPDATE oauth_tokens
		SET access_token = ?, token_type = ?, scope = ?, refresh_token = ?,
			refresh_token_expires_at = ?, expires_at = ?, profile = ?, name = ?, updated_at = ?
		WHERE slug = ? AND access_token = ?
	`
	result, err := r.db.ExecContext(ctx, query,
		token.AccessToken,
		token.TokenType,
		token.Scope,
		token.RefreshToken,
		nullableUnix(token.RefreshTokenExpiresAt),
		nullableUnix(token.ExpiresAt),
		profile,
		token.Name,
		token.UpdatedAt.Unix(),
		token.Slug,
		prevAccessToken,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return r.missingOrConflict(ctx, token.Slug)
	}
	return nil
}

func (r *SQLiteRepository) missingOrConflict(ctx context.Context, slug string) error {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM oauth_tokens WHERE slug = ?`, slug).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return core.ErrConflict
}

func (r *SQLiteRepository) FindTokenBySlug(ctx context.Context, slug string) (*core.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE slug = ?`
	return scanToken(r.db.QueryRowContext(ctx, query, slug))
}

func (r *SQLiteRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]*core.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + `
		FROM oauth_tokens
		WHERE owner_id = ?
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, ownerID.String())
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

func (r *SQLiteRepository) ListTokens(ctx context.Context) ([]*core.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

func (r *SQLiteRepository) DeleteToken(ctx context.Context, slug string, ownerID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE slug = ? AND owner_id = ?`,
		slug, ownerID.String(),
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanToken reads one tokenColumns row from a database/sql backend.
func scanToken(row rowScanner) (*core.OAuthToken, error) {
	var (
		token                     core.OAuthToken
		provider, ownerID         sql.NullString
		accessToken, tokenType    sql.NullString
		scope, refreshToken       sql.NullString
		profile, name, slug       sql.NullString
		externalUserID            sql.NullString
		refreshExpires, expiresAt sql.NullInt64
		id, createdAt, updatedAt  sql.NullInt64
	)

	err := row.Scan(
		&id,
		&slug,
		&provider,
		&ownerID,
		&externalUserID,
		&accessToken,
		&tokenType,
		&scope,
		&refreshToken,
		&refreshExpires,
		&expiresAt,
		&profile,
		&name,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	owner, err := uuid.Parse(ownerID.String)
	if err != nil {
		return nil, fmt.Errorf("invalid owner id %q: %w", ownerID.String, err)
	}
	token.Profile, err = decodeProfile(profile.String)
	if err != nil {
		return nil, err
	}

	token.ID = id.Int64
	token.Slug = slug.String
	token.Provider = core.Provider(provider.String)
	token.OwnerID = owner
	token.ExternalUserID = externalUserID.String
	token.AccessToken = accessToken.String
	token.TokenType = tokenType.String
	token.Scope = scope.String
	token.RefreshToken = refreshToken.String
	token.RefreshTokenExpiresAt = fromUnix(refreshExpires.Valid, refreshExpires.Int64)
	token.ExpiresAt = fromUnix(expiresAt.Valid, expiresAt.Int64)
	token.Name = name.String
	token.CreatedAt = time.Unix(createdAt.Int64, 0)
	token.UpdatedAt = time.Unix(updatedAt.Int64, 0)
	return &token, nil
}

func scanTokens(rows *sql.Rows) ([]*core.OAuthToken, error) {
	defer rows.Close()

	tokens := []*core.OAuthToken{}
	for rows.Next() {
		token, err := scanToken(rows)
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
