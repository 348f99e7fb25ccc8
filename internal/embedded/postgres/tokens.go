package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/recordmesh/recordmesh/internal/embedded"
	"github.com/recordmesh/recordmesh/pkg/recordservice"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS recordmesh_delegation_token (
  token TEXT PRIMARY KEY,
  owner TEXT NOT NULL,
  renewer TEXT NOT NULL DEFAULT '',
  expires_at TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// TokenStore keeps delegation tokens in Postgres so several planners can
// share them.
type TokenStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{db: db, now: time.Now}
}

func (s *TokenStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create token table: %w", err)
	}
	return nil
}

func (s *TokenStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping token db: %w", err)
	}
	return nil
}

func (s *TokenStore) Issue(ctx context.Context, owner, renewer string, expiresAt time.Time) (recordservice.DelegationToken, error) {
	token := embedded.NewToken()
	query := `
INSERT INTO recordmesh_delegation_token (token, owner, renewer, expires_at)
VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, string(token), owner, renewer, expiresAt.UTC()); err != nil {
		return nil, fmt.Errorf("issue delegation token: %w", err)
	}
	return token, nil
}

// Renew extends a live token. Expired tokens cannot be renewed.
func (s *TokenStore) Renew(ctx context.Context, token recordservice.DelegationToken, expiresAt time.Time) error {
	query := `
UPDATE recordmesh_delegation_token
SET expires_at = $2
WHERE token = $1 AND expires_at > $3`
	result, err := s.db.ExecContext(ctx, query, string(token), expiresAt.UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("renew delegation token: %w", err)
	}
	return requireRow(result)
}

func (s *TokenStore) Cancel(ctx context.Context, token recordservice.DelegationToken) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM recordmesh_delegation_token WHERE token = $1`, string(token))
	if err != nil {
		return fmt.Errorf("cancel delegation token: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return embedded.ErrTokenNotFound
	}
	return nil
}
