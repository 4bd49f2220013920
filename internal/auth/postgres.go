package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the subset of pgxpool.Pool used for session lookups.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionQuery = `SELECT user_id, expires_at FROM sessions WHERE token_hash = $1 AND revoked_at IS NULL`

// PostgresValidator looks tokens up in the REST service's sessions table,
// which stores the hex SHA-256 of each token rather than the token itself.
type PostgresValidator struct {
	db  rowQuerier
	now func() time.Time
}

// NewPostgresPool opens a pgx pool and verifies connectivity.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgresValidator(db rowQuerier) *PostgresValidator {
	return &PostgresValidator{db: db, now: time.Now}
}

// HashToken returns the stored form of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (v *PostgresValidator) ValidateSessionToken(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	var sess Session
	err := v.db.QueryRow(ctx, sessionQuery, HashToken(token)).Scan(&sess.UserID, &sess.ExpiresAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", ErrInvalidToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return sess.check(v.now())
}
