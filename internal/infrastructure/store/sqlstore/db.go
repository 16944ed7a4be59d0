// Package sqlstore persists executions in SQLite (modernc.org/sqlite) or
// PostgreSQL (pgx). Each record is kept as a JSON document next to the
// columns that queries filter or compare on.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects SQL flavour and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DriverName returns the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Config describes a database connection.
type Config struct {
	Dialect         Dialect
	DSN             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch c.Dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return fmt.Errorf("unsupported dialect %q", c.Dialect)
	}
	if c.DSN == "" {
		return errors.New("dsn is required")
	}
	if c.PingTimeout < 0 {
		return errors.New("ping timeout must be >= 0")
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return errors.New("connection limits must be >= 0")
	}
	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max idle connections must be <= max open connections")
	}
	return nil
}

// Open connects, pings and migrates the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Dialect.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if cfg.Dialect == DialectSQLite {
		// One connection serializes writers and keeps per-connection pragmas.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingTimeout := cfg.PingTimeout
	if pingTimeout == 0 {
		pingTimeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store, err := New(ctx, db, cfg.Dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Rebind rewrites ? placeholders into the dialect's form.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
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
