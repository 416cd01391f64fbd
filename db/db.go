// Package db provides the Postgres connection, the startup table check, versioned
// migrations and storage for OAuth tokens.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/teamtalima/beastie/crypto"
)

// TeammateTable is the table whose presence gates startup.
const TeammateTable = "teammates"

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database dsn empty")
	}
	return sql.Open("pgx", dsn)
}

// Querier is the subset of *sql.DB used for single-row lookups.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TableExists reports whether table exists in the current schema.
func TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1
	)`, table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// CheckTeammateTable runs the startup existence check and logs the outcome.
func CheckTeammateTable(ctx context.Context, q Querier) (bool, error) {
	ok, err := TableExists(ctx, q, TeammateTable)
	if err != nil {
		slog.Error("teammate table check failed", slog.Any("err", err), slog.String("component", "db"))
		return false, err
	}
	if !ok {
		slog.Error("teammate table missing; run migrations", slog.String("table", TeammateTable), slog.String("component", "db"))
	}
	return ok, nil
}

// Token is a stored OAuth token.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	Scope        string
}

// TokenStore persists OAuth tokens per provider. When Sealer is set, tokens are
// encrypted and the row is marked encryption_version=1; plaintext rows (version 0)
// remain readable.
type TokenStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer
	KeyID  string
}

// Upsert stores or replaces the token for provider.
func (s *TokenStore) Upsert(ctx context.Context, provider string, tok Token) error {
	access, refresh := tok.AccessToken, tok.RefreshToken
	encVersion, keyID := 0, ""
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion, keyID = 1, s.KeyID
		if keyID == "" {
			keyID = "default"
		}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			scope=EXCLUDED.scope,
			encryption_version=EXCLUDED.encryption_version,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		provider, access, refresh, tok.Expiry, tok.Scope, encVersion, keyID)
	if err != nil {
		return fmt.Errorf("upsert %s token: %w", provider, err)
	}
	return nil
}

// Get returns the token for provider; ok is false when no row exists.
func (s *TokenStore) Get(ctx context.Context, provider string) (tok Token, ok bool, err error) {
	var encVersion int
	var expiry sql.NullTime
	var scope sql.NullString
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider).
		Scan(&tok.AccessToken, &tok.RefreshToken, &expiry, &scope, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, fmt.Errorf("get %s token: %w", provider, err)
	}
	tok.Expiry = expiry.Time
	tok.Scope = scope.String
	if encVersion == 1 {
		if s.Sealer == nil {
			return Token{}, false, errors.New("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if tok.AccessToken, err = s.Sealer.Open(tok.AccessToken); err != nil {
			return Token{}, false, fmt.Errorf("decrypt access token: %w", err)
		}
		if tok.RefreshToken, err = s.Sealer.Open(tok.RefreshToken); err != nil {
			return Token{}, false, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return tok, true, nil
}
