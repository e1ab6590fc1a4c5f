/*
Package sqlite opens a SQLite-backed visit store.

PURPOSE:
  Opens the database with mattn/go-sqlite3 and hands it to sqlstore, which
  holds all the SQL. In production the same store runs on PostgreSQL
  through store/postgres.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

CONNECTIONS:
  The pool is capped at one connection. SQLite allows one writer anyway,
  and an in-memory database exists per connection, so ":memory:" would
  otherwise give every pooled connection its own empty schema.

USAGE:
  store, err := sqlite.New("./data/visits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlstore/store.go: Store implementation
  - store/postgres/postgres.go: PostgreSQL constructor
*/
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/visit-engine/store/sqlstore"
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := sqlstore.New(db, sqlstore.SQLite)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}
