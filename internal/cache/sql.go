package cache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/biomapper/biomapper/internal/store"
	"github.com/biomapper/biomapper/pkg/schema"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLCache stores entries in a mapping_cache table. Writes are
// INSERT ... ON CONFLICT DO NOTHING, so rows are only ever appended.
type SQLCache struct {
	db      *sql.DB
	dialect store.Dialect
	owned   bool
}

// NewLibSQLCache wraps an open libSQL database, typically the run store's.
// Call Migrate before first use.
func NewLibSQLCache(db *sql.DB) *SQLCache {
	return &SQLCache{db: db, dialect: store.DialectSQLite}
}

// Migrate applies the pending mapping_cache migrations. Progress is tracked
// in mapping_cache_version, apart from the run store's schema_version.
func (c *SQLCache) Migrate(ctx context.Context) error {
	migs, err := store.LoadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	if _, err := store.NewMigrator("mapping_cache_version", c.dialect, migs).Apply(ctx, c.db); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "mapping cache migrate: %v", err).WithCause(err)
	}
	return nil
}

// NewPostgresCache opens a Postgres database through pgx and migrates the
// mapping_cache table.
func NewPostgresCache(ctx context.Context, dsn string) (*SQLCache, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	c := &SQLCache{db: db, dialect: store.DialectPostgres, owned: true}
	if err := c.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLCache) bind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(c.dialect.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLCache) Get(ctx context.Context, sourceID, sourceType, targetType string) ([]Entry, bool, error) {
	rows, err := c.db.QueryContext(ctx, c.bind(
		`SELECT target_id, resource_name, confidence, path_metadata, created_at
		 FROM mapping_cache WHERE source_id = ? AND source_type = ? AND target_type = ?`),
		sourceID, sourceType, targetType,
	)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "mapping cache get: %v", err).WithCause(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e := Entry{SourceID: sourceID, SourceType: sourceType, TargetType: targetType}
		var meta sql.NullString
		if err := rows.Scan(&e.TargetID, &e.Resource, &e.Confidence, &meta, &e.CreatedAt); err != nil {
			return nil, false, schema.NewErrorf(schema.ErrCodeStore, "mapping cache scan: %v", err).WithCause(err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.PathMetadata); err != nil {
				return nil, false, schema.NewErrorf(schema.ErrCodeStore, "mapping cache metadata: %v", err).WithCause(err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeStore, "mapping cache get: %v", err).WithCause(err)
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	SortEntries(out)
	return out, true, nil
}

func (c *SQLCache) Put(ctx context.Context, e Entry) error {
	e = stamp(e)
	var meta any
	if len(e.PathMetadata) > 0 {
		b, err := json.Marshal(e.PathMetadata)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "mapping cache metadata: %v", err).WithCause(err)
		}
		meta = string(b)
	}
	_, err := c.db.ExecContext(ctx, c.bind(
		`INSERT INTO mapping_cache (source_id, source_type, target_type, target_id, resource_name, confidence, path_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`),
		e.SourceID, e.SourceType, e.TargetType, e.TargetID, e.Resource, e.Confidence, meta, e.CreatedAt,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "mapping cache put: %v", err).WithCause(err)
	}
	return nil
}

// Close closes the database when the cache opened it.
func (c *SQLCache) Close() error {
	if c.owned {
		return c.db.Close()
	}
	return nil
}
