package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ruteri/apas-records-backend/interfaces"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// Config selects the storage engine.
type Config struct {
	// Driver is DriverSQLite (default) or DriverPostgres.
	Driver string

	// DSN is a file path for SQLite or a connection string for PostgreSQL.
	DSN string
}

// Store is the Record Store. It owns persistence of identities, records,
// alerts, settings and the audit log. The subject of a record is written
// only as ciphertext plus digest; every data entry point takes an
// authz.Grant.
type Store struct {
	db       *sql.DB
	dialect  dialect
	codec    interfaces.FieldCodec
	notifier interfaces.Notifier
	log      *slog.Logger

	now func() time.Time
}

var _ interfaces.IdentityStore = (*Store)(nil)

// Open connects to the configured database, applies the schema and seeds
// default settings. notifier may be nil.
func Open(ctx context.Context, cfg Config, codec interfaces.FieldCodec, notifier interfaces.Notifier, log *slog.Logger) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	if d.name == DriverSQLite && !strings.HasPrefix(cfg.DSN, "file:") && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.name == DriverSQLite {
		// A single connection serializes writers and keeps the pragmas below
		// in effect for every statement.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:       db,
		dialect:  d,
		codec:    codec,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Record store ready", slog.String("driver", d.name))
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStorageFailure, err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range s.dialect.schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}

	seed := s.dialect.rebind(`INSERT INTO settings (name, value) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`)
	for name, value := range map[string]string{
		interfaces.SettingRiskThreshold: "0.6",
		interfaces.SettingModelVersion:  "1",
	} {
		if _, err := tx.ExecContext(ctx, seed, name, value); err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", name, err)
		}
	}

	return tx.Commit()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", interfaces.ErrStorageFailure, op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func (s *Store) timestamp() int64 {
	return s.now().UnixNano()
}
