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
	"github.com/ydb-platform/ydb-go-sdk/v3"
	yc "github.com/ydb-platform/ydb-go-yc"

	"connectd/core"
)

//go:embed schema/ydb/schema.sql
var ydbSchema string

type YDBConfig struct {
	DSN string
	// ServiceAccountKeyFile authenticates with a Yandex Cloud service account
	// key. Empty means instance metadata credentials.
	ServiceAccountKeyFile string
}

// YDBRepository stores tokens in YDB through its database/sql connector.
// YDB has no foreign keys, so owner cascades run inside a transaction.
type YDBRepository struct {
	driver *ydb.Driver
	db     *sql.DB
}

func NewYDBRepository(ctx context.Context, cfg YDBConfig) (*YDBRepository, error) {
	creds := yc.WithMetadataCredentials()
	if cfg.ServiceAccountKeyFile != "" {
		creds = yc.WithServiceAccountKeyFileCredentials(cfg.ServiceAccountKeyFile)
	}

	driver, err := ydb.Open(ctx, cfg.DSN, yc.WithInternalCA(), creds)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ydb: %w", err)
	}

	connector, err := ydb.Connector(driver,
		ydb.WithAutoDeclare(),
		ydb.WithPositionalArgs(),
	)
	if err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to create ydb connector: %w", err)
	}

	return &YDBRepository{driver: driver, db: sql.OpenDB(connector)}, nil
}

// Migrate creates the tables. Tables that already exist are skipped.
func (r *YDBRepository) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(ydbSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := r.driver.Query().Exec(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("ydb migrate: %w", err)
		}
	}
	return nil
}

func (r *YDBRepository) Close() error {
	r.db.Close()
	return r.driver.Close(context.Background())
}

func (r *YDBRepository) EnsureOwner(ctx context.Context, ownerID uuid.UUID) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var n uint64
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners WHERE id = ?`, ownerID.String()).Scan(&n)
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO owners (id, created_at) VALUES (?, ?)`, ownerID.String(), time.Now().Unix())
		return err
	})
}

func (r *YDBRepository) DeleteOwner(ctx context.Context, ownerID uuid.UUID) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var n uint64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners WHERE id = ?`, ownerID.String()).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return core.ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_tokens ON SELECT provider, external_user_id FROM oauth_tokens VIEW idx_owner WHERE owner_id = ?`, ownerID.String()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, ownerID.String())
		return err
	})
}

func (r *YDBRepository) GetOrCreateToken(ctx context.Context, provider core.Provider, externalUserID string, ownerID uuid.UUID) (*core.OAuthToken, bool, error) {
	var (
		token   *core.OAuthToken
		created bool
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		query := `SELECT ` + tokenColumns + ` FROM oauth_tokens WHERE provider = ? AND external_user_id = ?`
		existing, err := scanToken(tx.QueryRowContext(ctx, query, string(provider), externalUserID))
		if err == nil {
			if existing.OwnerID != ownerID {
				return core.ErrAlreadyExists
			}
			token = existing
			return nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}

		now := time.Now().Truncate(time.Second)
		token = &core.OAuthToken{
			ID:             now.UnixNano(),
			Slug:           newSlug(),
			Provider:       provider,
			OwnerID:        ownerID,
			ExternalUserID: externalUserID,
			Profile:        core.UserInfo{},
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created = true

		insert := `
			INSERT INTO oauth_tokens (` + tokenColumns + `)
			VALUES (?, ?, ?, ?, ?, '', '', '', '', 0, 0, '{}', '', ?, ?)
		`
		_, err = tx.ExecContext(ctx, insert,
			token.ID,
			token.Slug,
			string(provider),
			ownerID.String(),
			externalUserID,
			now.Unix(),
			now.Unix(),
		)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return token, created, nil
}

func (r *YDBRepository) UpdateToken(ctx context.Context, token *core.OAuthToken, prevAccessToken string) error {
	profile, err := encodeProfile(token.Profile)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT access_token FROM oauth_tokens WHERE provider = ? AND external_user_id = ?`,
			string(token.Provider), token.ExternalUserID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current.String != prevAccessToken {
			return core.ErrConflict
		}

		query := `
			UPDATE oauth_tokens
			SET access_token = ?, token_type = ?, scope = ?, refresh_token = ?,
				refresh_token_expires_at = ?, expires_at = ?, profile = ?, name = ?, updated_at = ?
			WHERE provider = ? AND external_user_id = ?
		`
		_, err = tx.ExecContext(ctx, query,
			token.AccessToken,
			token.TokenType,
			token.Scope,
			token.RefreshToken,
			zeroUnix(token.RefreshTokenExpiresAt),
			zeroUnix(token.ExpiresAt),
			profile,
			token.Name,
			token.UpdatedAt.Unix(),
			string(token.Provider),
			token.ExternalUserID,
		)
		return err
	})
}

func (r *YDBRepository) FindTokenBySlug(ctx context.Context, slug string) (*core.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens VIEW idx_slug WHERE slug = ?`
	return scanToken(r.db.QueryRowContext(ctx, query, slug))
}

func (r *YDBRepository) ListTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]*core.OAuthToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM oauth_tokens VIEW idx_owner WHERE owner_id = ? ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, ownerID.String())
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

func (r *YDBRepository) ListTokens(ctx context.Context) ([]*core.OAuthToken, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM oauth_tokens ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	return scanTokens(rows)
}

func (r *YDBRepository) DeleteToken(ctx context.Context, slug string, ownerID uuid.UUID) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		var provider, externalUserID sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT provider, external_user_id FROM oauth_tokens VIEW idx_slug WHERE slug = ? AND owner_id = ?`,
			slug, ownerID.String(),
		).Scan(&provider, &externalUserID)
		if err == sql.ErrNoRows {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM oauth_tokens WHERE provider = ? AND external_user_id = ?`,
			provider.String, externalUserID.String,
		)
		return err
	})
}

func (r *YDBRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
