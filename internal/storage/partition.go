// Package storage implements the per-tenant data partition. Every
// tenant owns a standalone SQLite database file, so cross-tenant access
// is structurally impossible: there is no shared table a filter could
// be forgotten on.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raghub/backend/pkg/logger"
)

// Partition wraps one tenant's open database handle. All reads and
// writes against tenant data go through a Partition obtained from the
// tenant router; nothing in this package accepts a bare tenant ID.
type Partition struct {
	db   *sql.DB
	fts5 bool
}

// Open opens (or provisions) the partition at path and brings its
// schema up to date via the migration registry.
//
// mattn/go-sqlite3 only compiles the FTS5 extension in when built with
// -tags sqlite_fts5. Builds without it still work: the lexical index is
// skipped and LexicalSearch degrades to a term scan over the chunks
// table.
func Open(path string) (*Partition, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open partition: %w", err)
	}

	fts5 := hasFTS5(db)
	if err := SyncSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("Partition opened",
		zap.String("path", path),
		zap.Bool("fts5", fts5),
	)
	return &Partition{db: db, fts5: fts5}, nil
}

// OpenDB wraps an already-open handle, used by tests with in-memory
// databases.
func OpenDB(db *sql.DB) (*Partition, error) {
	fts5 := hasFTS5(db)
	if err := SyncSchema(db); err != nil {
		return nil, err
	}
	return &Partition{db: db, fts5: fts5}, nil
}

// hasFTS5 reports whether the driver was compiled with the FTS5
// extension by creating and dropping a throwaway virtual table.
func hasFTS5(db *sql.DB) bool {
	if _, err := db.Exec(`CREATE VIRTUAL TABLE temp.fts5_check USING fts5(t)`); err != nil {
		return false
	}
	db.Exec(`DROP TABLE temp.fts5_check`)
	return true
}

func (p *Partition) Close() error {
	return p.db.Close()
}

func (p *Partition) begin() (*sql.Tx, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
