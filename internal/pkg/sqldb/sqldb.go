// Package sqldb opens the relational system of record for enrollment and
// capacity data. Postgres is the production driver; SQLite backs tests and
// local development.
package sqldb

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	// Postgres driver for production deployments.
	_ "github.com/lib/pq"
	// Pure-Go SQLite driver, no CGO needed.
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Dialect captures the few places where the two engines differ.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a *sql.DB plus the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects using a URL. "postgres://" and "postgresql://" select
// Postgres; "sqlite://<path>" or a bare path selects SQLite. The schema is
// applied on open.
//
//	db, err := sqldb.Open(ctx, "sqlite://./data/enrollment.db")
func Open(ctx context.Context, url string) (*DB, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		dialect = Postgres
		db, err = sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("sqldb: open postgres: %w", err)
		}
	default:
		dialect = SQLite
		path := strings.TrimPrefix(url, "sqlite://")
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("sqldb: open sqlite %q: %w", path, err)
		}
		// One connection serializes every transaction; concurrent
		// reservations queue on the pool instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: ping %s: %w", dialect, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqldb: apply schema: %w", err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

// Rebind rewrites "?" placeholders to "$n" for Postgres.
func (d *DB) Rebind(q string) string {
	if d.Dialect != Postgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate is the row-lock suffix for a SELECT. SQLite has no row locks;
// its single connection already gives the transaction exclusive access.
func (d *DB) ForUpdate() string {
	if d.Dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// InTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqldb: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqldb: commit: %w", err)
	}
	return nil
}
