package manifest

import (
	"context"
	"fmt"

	"github.com/forgekit/forge/internal/db"
	"github.com/forgekit/forge/internal/domain"
)

// SecondaryIndex supports querying manifests by kind/tenant without a
// full directory scan. The file-backed registry is the source of truth;
// the index only accelerates lookups and may be rebuilt from it at any
// time.
type SecondaryIndex interface {
	Upsert(m *domain.Manifest) error
	Delete(id string) error
	QueryByKind(kind domain.ManifestKind) ([]string, error)
}

// noopIndex is used when no secondary index is configured; every query
// reports no rows so callers fall back to the in-memory scan.
type noopIndex struct{}

func (noopIndex) Upsert(*domain.Manifest) error                     { return nil }
func (noopIndex) Delete(string) error                               { return nil }
func (noopIndex) QueryByKind(domain.ManifestKind) ([]string, error) { return nil, nil }

// PostgresIndex mirrors manifest headers into a Postgres table so
// operators can query by kind or tenant without touching the warm-tier
// filesystem. Deliberately narrow: it stores only the columns needed for
// QueryByKind, not a full manifest mirror, per internal/db's Executor
// abstraction (kept thin rather than grown into an ORM).
type PostgresIndex struct {
	ex db.Executor
}

// NewPostgresIndex wraps an already-connected db.Executor (typically a
// pgxpool-backed db.Database) and ensures the index table exists.
func NewPostgresIndex(ctx context.Context, ex db.Executor) (*PostgresIndex, error) {
	idx := &PostgresIndex{ex: ex}
	const ddl = `CREATE TABLE IF NOT EXISTS manifest_index (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		tenant_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := ex.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("manifest: create index table: %w", err)
	}
	return idx, nil
}

func (p *PostgresIndex) Upsert(m *domain.Manifest) error {
	ctx := context.Background()
	const q = `INSERT INTO manifest_index (id, kind, tenant_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET kind = $2, tenant_id = $3, created_at = $4`
	tenant := m.Metadata["tenant_id"]
	_, err := p.ex.Exec(ctx, q, m.ID, string(m.Kind), tenant, m.CreatedAt)
	return err
}

func (p *PostgresIndex) Delete(id string) error {
	ctx := context.Background()
	_, err := p.ex.Exec(ctx, `DELETE FROM manifest_index WHERE id = $1`, id)
	return err
}

func (p *PostgresIndex) QueryByKind(kind domain.ManifestKind) ([]string, error) {
	ctx := context.Background()
	rows, err := p.ex.Query(ctx, `SELECT id FROM manifest_index WHERE kind = $1`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
