package varstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Dialect selects the SQL driver and placeholder style.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore keeps variables in a SQL table. SQLite suits a single coordinator
// node; PostgreSQL lets a fleet of coordinators share state and serializes
// index updates with advisory locks.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLite creates or opens transferd.db under dataDir with WAL mode
// enabled and runs any pending migrations.
func OpenSQLite(dataDir string) (*SQLStore, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "transferd.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}

	// SQLite performs best with a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db, dialect: DialectSQLite}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("sqlite variable store opened", "path", dbPath)
	return s, nil
}

// OpenPostgres opens a PostgreSQL connection through the pgx driver and runs
// pending migrations.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLStore{db: db, dialect: DialectPostgres}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql variable store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ph returns the n-th (1-based) bind placeholder for the dialect.
func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM variables WHERE name = "+s.ph(1), name,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying variable %s: %w", name, err)
	}
	return value, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, name, value string) error {
	query := fmt.Sprintf(`INSERT INTO variables (name, value, updated_at) VALUES (%s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		s.ph(1), s.ph(2))
	if _, err := s.db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("storing variable %s: %w", name, err)
	}
	return nil
}

// Unset implements Store.
func (s *SQLStore) Unset(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM variables WHERE name = "+s.ph(1), name); err != nil {
		return fmt.Errorf("deleting variable %s: %w", name, err)
	}
	return nil
}

// Lock implements Locker. On PostgreSQL it takes a session advisory lock on a
// pinned connection; SQLite already serializes writers on its single
// connection, so the lock is a no-op there.
func (s *SQLStore) Lock(ctx context.Context, name string) (func(), error) {
	if s.dialect != DialectPostgres {
		return func() {}, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("pinning connection for lock %s: %w", name, err)
	}

	key := lockKey(name)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquiring advisory lock %s: %w", name, err)
	}

	return func() {
		if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
			slog.Error("failed to release advisory lock", "lock", name, "error", err)
		}
		conn.Close()
	}, nil
}

// lockKey maps a lock name onto the int64 key space of pg_advisory_lock.
func lockKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

// migrate runs all pending SQL migration files in order.
func (s *SQLStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = "+s.ph(1), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ("+s.ph(1)+")", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version, "dialect", string(s.dialect))
	}

	return nil
}
