package postgres

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"github.com/xenking/proposal-discounts/internal/domain/auth"
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	tm *TxManager
}

// NewAPIKeyRepository returns an APIKeyRepository.
func NewAPIKeyRepository(tm *TxManager) *APIKeyRepository {
	return &APIKeyRepository{tm: tm}
}

type apiKeyRow struct {
	ID      string   `db:"id"`
	OrgID   string   `db:"org_id"`
	KeyHash string   `db:"key_hash"`
	Name    string   `db:"name"`
	Scopes  []string `db:"scopes"`
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
// Returns auth.ErrKeyNotFound when no matching key exists.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var row apiKeyRow
	err := pgxscan.Get(ctx, r.tm.Querier(ctx), &row,
		"SELECT id, org_id, key_hash, name, scopes FROM api_keys WHERE key_hash = $1 AND active",
		hash)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, fmt.Errorf("finding api key by hash: %w", err)
	}

	return &auth.APIKeyInfo{
		ID:      row.ID,
		OrgID:   row.OrgID,
		KeyHash: row.KeyHash,
		Name:    row.Name,
		Scopes:  row.Scopes,
	}, nil
}

// CreateAPIKey stores a key hash for an organization.
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, info auth.APIKeyInfo) error {
	sql, args, err := builder.
		Insert("api_keys").
		Columns("id", "org_id", "key_hash", "name", "scopes").
		Values(info.ID, info.OrgID, info.KeyHash, info.Name, nonNil(info.Scopes)).
		Suffix("ON CONFLICT (key_hash) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert api key: %w", err)
	}
	if _, err := r.tm.Querier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}
