package records

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	name   string
	driver string
	schema []string
	// placeholders rewrites "?" into the engine's positional form.
	placeholders bool
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "", DriverSQLite:
		return dialect{name: DriverSQLite, driver: "sqlite", schema: sqliteSchema}, nil
	case DriverPostgres, "postgres", "postgresql":
		return dialect{name: DriverPostgres, driver: "pgx", schema: postgresSchema, placeholders: true}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// rebind converts "?" placeholders to "$1", "$2", ... when required.
// Queries in this package never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.placeholders {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		credential TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'instructor', 'admin'))
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_ciphertext TEXT NOT NULL,
		subject_digest TEXT NOT NULL,
		marks REAL NOT NULL,
		attendance REAL NOT NULL,
		risk_score REAL NOT NULL,
		course TEXT NOT NULL,
		owner TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_subject_digest ON records(subject_digest)`,
	`CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id INTEGER NOT NULL REFERENCES records(id),
		subject_ciphertext TEXT NOT NULL,
		subject_digest TEXT NOT NULL,
		risk_score REAL NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_record ON alerts(record_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_time INTEGER NOT NULL,
		username TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_event_time ON audit_log(event_time)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		credential TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('student', 'instructor', 'admin'))
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id BIGSERIAL PRIMARY KEY,
		subject_ciphertext TEXT NOT NULL,
		subject_digest CHAR(64) NOT NULL,
		marks DOUBLE PRECISION NOT NULL,
		attendance DOUBLE PRECISION NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		course VARCHAR(200) NOT NULL,
		owner TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_subject_digest ON records(subject_digest)`,
	`CREATE INDEX IF NOT EXISTS idx_records_owner ON records(owner)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		record_id BIGINT NOT NULL REFERENCES records(id),
		subject_ciphertext TEXT NOT NULL,
		subject_digest CHAR(64) NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_record ON alerts(record_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		event_time BIGINT NOT NULL,
		username TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_event_time ON audit_log(event_time)`,
}
