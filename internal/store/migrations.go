package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var runMigrationFiles embed.FS

// Dialect selects the bind-parameter style of a SQL database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite" // libSQL and SQLite: ?
	DialectPostgres Dialect = "postgres"
)

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Migration is one numbered schema script, loaded from NNN_name.sql.
type Migration struct {
	Version    int
	Name       string
	Statements []string
}

// LoadMigrations reads every NNN_name.sql file in dir, ordered by version.
// Versions must be unique and positive.
func LoadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var out []Migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration %q: want NNN_name.sql", e.Name())
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %q: version %d already used by %q", e.Name(), version, prev)
		}
		seen[version] = e.Name()

		script, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", e.Name(), err)
		}
		out = append(out, Migration{Version: version, Name: name, Statements: splitStatements(string(script))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrator applies a migration set and records progress in its own version
// table, so several sets (the run store, the mapping cache) can share one
// database.
type Migrator struct {
	table      string
	dialect    Dialect
	migrations []Migration
}

// NewMigrator creates a Migrator tracking migrations in table.
func NewMigrator(table string, dialect Dialect, migrations []Migration) *Migrator {
	return &Migrator{table: table, dialect: dialect, migrations: migrations}
}

// Version returns the highest applied version, 0 when none.
func (m *Migrator) Version(ctx context.Context, db *sql.DB) (int, error) {
	if err := m.ensureTable(ctx, db); err != nil {
		return 0, err
	}
	var current int
	row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, m.table))
	if err := row.Scan(&current); err != nil {
		return 0, fmt.Errorf("read %s: %w", m.table, err)
	}
	return current, nil
}

// Apply runs every pending migration, each in its own transaction, and
// returns how many were applied.
func (m *Migrator) Apply(ctx context.Context, db *sql.DB) (int, error) {
	current, err := m.Version(ctx, db)
	if err != nil {
		return 0, err
	}

	record := fmt.Sprintf(`INSERT INTO %s (version, name) VALUES (%s, %s)`,
		m.table, m.dialect.Placeholder(1), m.dialect.Placeholder(2))

	applied := 0
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return applied, fmt.Errorf("begin migration %d: %w", mig.Version, err)
		}
		for _, stmt := range mig.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return applied, fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, record, mig.Version, mig.Name); err != nil {
			_ = tx.Rollback()
			return applied, fmt.Errorf("record migration %d: %w", mig.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("commit migration %d: %w", mig.Version, err)
		}
		applied++
	}
	return applied, nil
}

func (m *Migrator) ensureTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`, m.table))
	if err != nil {
		return fmt.Errorf("create %s: %w", m.table, err)
	}
	return nil
}

// runMigrator returns the migrator for the run store's own tables.
func runMigrator() (*Migrator, error) {
	migs, err := LoadMigrations(runMigrationFiles, "migrations")
	if err != nil {
		return nil, err
	}
	return NewMigrator("schema_version", DialectSQLite, migs), nil
}

// splitStatements splits a script on semicolons and drops comment-only chunks.
func splitStatements(script string) []string {
	var stmts []string
	for _, raw := range strings.Split(script, ";") {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		for _, l := range strings.Split(s, "\n") {
			if l = strings.TrimSpace(l); l != "" && !strings.HasPrefix(l, "--") {
				stmts = append(stmts, s)
				break
			}
		}
	}
	return stmts
}
