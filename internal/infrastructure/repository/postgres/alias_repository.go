package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AliasRepository stores learned spoken aliases. An alias is only written
// after the user confirmed it, so the table is the source of truth the
// resolver consults before falling back to fuzzy matching.
type AliasRepository struct {
	db *sql.DB
}

func NewAliasRepository(db *sql.DB) *AliasRepository {
	return &AliasRepository{db: db}
}

// EnsureSchema creates the alias table on first start.
func (r *AliasRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS aliases (
    kind       TEXT NOT NULL,
    alias      TEXT NOT NULL,
    target     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (kind, alias)
)
`)
	if err != nil {
		return fmt.Errorf("ensure alias schema: %w", err)
	}
	return nil
}

func (r *AliasRepository) AreaAlias(ctx context.Context, alias string) (string, bool, error) {
	return r.lookup(ctx, "area", alias)
}

func (r *AliasRepository) EntityAlias(ctx context.Context, alias string) (string, bool, error) {
	return r.lookup(ctx, "entity", alias)
}

func (r *AliasRepository) LearnAreaAlias(ctx context.Context, alias, area string) error {
	return r.upsert(ctx, "area", alias, area)
}

func (r *AliasRepository) LearnEntityAlias(ctx context.Context, alias, entityID string) error {
	return r.upsert(ctx, "entity", alias, entityID)
}

func (r *AliasRepository) lookup(ctx context.Context, kind, alias string) (string, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT target
FROM aliases
WHERE kind = $1 AND alias = $2
`, kind, normalizeAlias(alias))

	var target string
	if err := row.Scan(&target); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup %s alias: %w", kind, err)
	}
	return target, true, nil
}

func (r *AliasRepository) upsert(ctx context.Context, kind, alias, target string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO aliases (kind, alias, target, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (kind, alias) DO UPDATE SET target = EXCLUDED.target
`, kind, normalizeAlias(alias), target, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("learn %s alias: %w", kind, err)
	}
	return nil
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}
