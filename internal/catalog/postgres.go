package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/fpang/webpeasy/internal/media"
)

var (
	_ media.Catalog       = (*PostgresCatalog)(nil)
	_ media.CatalogWriter = (*PostgresCatalog)(nil)
)

// Schema creates the asset table.
const Schema = `CREATE TABLE IF NOT EXISTS webpeasy_assets (
	id        BIGSERIAL PRIMARY KEY,
	file      TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	metadata  JSONB
);
CREATE INDEX IF NOT EXISTS webpeasy_assets_mime_idx ON webpeasy_assets (mime_type, id);`

const (
	countSQL  = `SELECT COUNT(*) FROM webpeasy_assets WHERE mime_type = ANY($1)`
	listSQL   = `SELECT id FROM webpeasy_assets WHERE mime_type = ANY($1) ORDER BY id ASC LIMIT $2 OFFSET $3`
	getSQL    = `SELECT id, file, mime_type, metadata FROM webpeasy_assets WHERE id = $1`
	updateSQL = `UPDATE webpeasy_assets SET metadata = $2 WHERE id = $1`
	insertSQL = `INSERT INTO webpeasy_assets (file, mime_type, metadata) VALUES ($1, $2, $3) RETURNING id`
)

// pgxQuerier is the subset of *pgxpool.Pool the catalog needs.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresCatalog stores assets in the webpeasy_assets table.
type PostgresCatalog struct {
	db pgxQuerier
}

// NewPostgresCatalog wraps an existing pool or connection.
func NewPostgresCatalog(db pgxQuerier) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

// ConnectPostgres opens a pool and ensures the schema exists.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresCatalog, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	c := NewPostgresCatalog(pool)
	if err := c.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info().Msg("Postgres catalog ready")
	return c, pool, nil
}

// Migrate applies Schema.
func (c *PostgresCatalog) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) CountByMime(ctx context.Context, mimes []string) (int, error) {
	var n int64
	if err := c.db.QueryRow(ctx, countSQL, mimes).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count assets: %w", err)
	}
	return int(n), nil
}

func (c *PostgresCatalog) ListIDsByMime(ctx context.Context, mimes []string, offset, limit int) ([]int64, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := c.db.Query(ctx, listSQL, mimes, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan asset id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return ids, nil
}

func (c *PostgresCatalog) Get(ctx context.Context, id int64) (*media.Asset, error) {
	var (
		a   media.Asset
		raw []byte
	)
	err := c.db.QueryRow(ctx, getSQL, id).Scan(&a.ID, &a.File, &a.MimeType, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset %d: %w", id, err)
	}
	if len(raw) > 0 {
		var meta media.Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for asset %d: %w", id, err)
		}
		a.Metadata = &meta
	}
	return &a, nil
}

func (c *PostgresCatalog) UpdateMetadata(ctx context.Context, id int64, meta *media.Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	tag, err := c.db.Exec(ctx, updateSQL, id, raw)
	if err != nil {
		return fmt.Errorf("failed to update asset %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %d not found", id)
	}
	return nil
}

func (c *PostgresCatalog) Insert(ctx context.Context, asset *media.Asset) (int64, error) {
	var raw []byte
	if asset.Metadata != nil {
		b, err := json.Marshal(asset.Metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to encode metadata: %w", err)
		}
		raw = b
	}
	var id int64
	if err := c.db.QueryRow(ctx, insertSQL, asset.File, asset.MimeType, raw).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert asset: %w", err)
	}
	return id, nil
}
