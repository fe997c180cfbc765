package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// PrincipalStore abstracts DB queries for testability.
type PrincipalStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*principalRow, error)
}

type principalRow struct {
	PrincipalID  string
	APIKeyHash   string
	AllowedTools sql.NullString // JSONB array, NULL means every tool
}

type sqlPrincipalStore struct {
	db *sql.DB
}

func (s *sqlPrincipalStore) LookupByPrefix(ctx context.Context, prefix string) (*principalRow, error) {
	row := &principalRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, api_key_hash, allowed_tools
		 FROM sandbox_principals
		 WHERE api_key_prefix = $1 AND NOT revoked`,
		prefix,
	).Scan(&row.PrincipalID, &row.APIKeyHash, &row.AllowedTools)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("sqlPrincipalStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// PostgresAuthenticator validates API keys against the sandbox_principals
// table. Failures always reject; there is no fail-open path.
type PostgresAuthenticator struct {
	store  PrincipalStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return newPostgresAuthenticatorWithStore(&sqlPrincipalStore{db: cfg.DB}, NewAuthCache(cacheTTL(cfg.CacheTTL)), cfg.Logger)
}

func newPostgresAuthenticatorWithStore(store PrincipalStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{store: store, cache: cache, logger: logger}
}

func cacheTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		return 30 * time.Second
	}
	return ttl
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	if res := a.cache.Get(token); res.Hit {
		if res.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return res.Principal, nil
	}

	principal, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		return nil, err
	}
	a.cache.Set(token, principal)
	return principal, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	row, err := a.store.LookupByPrefix(ctx, token[:8])
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, err
		}
		a.logger.Warn("principal lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	p := &Principal{ID: row.PrincipalID}
	if row.AllowedTools.Valid && row.AllowedTools.String != "" {
		if err := json.Unmarshal([]byte(row.AllowedTools.String), &p.AllowedTools); err != nil {
			a.logger.Error("malformed allowed_tools, denying principal",
				zap.String("principal_id", row.PrincipalID),
				zap.Error(err),
			)
			return nil, ErrInvalidAPIKey
		}
		if p.AllowedTools == nil {
			p.AllowedTools = []string{}
		}
	}
	return p, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			a.cache.Delete(token)
			return
		}
		a.cache.RefreshFailed(token)
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, principal)
}
