// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package sqlstore keeps key material, the sender-key mailbox and the
// channel registry in a relational database. Postgres (lib/pq) is the
// production target; SQLite (modernc) serves embedded deployments and tests.
package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/efchatnet/keyex/backend/storage"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// dialect holds the few places where Postgres and SQLite disagree.
type dialect struct {
	blob      string
	timestamp string
	serial    string
	// skipLocked is appended to the sub-select that picks the row to claim.
	// SQLite serializes writers, so it needs no row lock.
	skipLocked string
}

var dialects = map[string]dialect{
	DriverPostgres: {
		blob:       "BYTEA",
		timestamp:  "TIMESTAMPTZ",
		serial:     "BIGSERIAL PRIMARY KEY",
		skipLocked: " FOR UPDATE SKIP LOCKED",
	},
	DriverSQLite: {
		blob:      "BLOB",
		timestamp: "TIMESTAMP",
		serial:    "INTEGER PRIMARY KEY AUTOINCREMENT",
	},
}

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

type Store struct {
	db      *sqlx.DB
	dialect dialect
}

var _ storage.Store = (*Store)(nil)

// Open connects to the database named by driver and dsn. It does not
// create the schema; call Migrate for that.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connect: %w", err)
	}

	if driver == DriverSQLite {
		// One connection turns every transaction into a critical section,
		// which is what makes read-and-delete claims atomic on SQLite.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA foreign_keys=ON",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlstore: %s: %w", strings.ToLower(pragma), err)
			}
		}
	}

	return &Store{db: db, dialect: d}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction and commits when fn returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
