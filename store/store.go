package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store is the sqlite-backed trade history: completed trades and daily
// equity snapshots. The execution journal remains the source of truth for
// live state; this DB exists for reporting and the status API.
type Store struct {
	db     *sql.DB
	trades *TradeStore
	equity *EquityStore
}

// Open opens (creating if needed) the history DB at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	// Single writer; the engine goroutine owns all mutations.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store pragma: %w", err)
	}

	s := &Store{
		db:     db,
		trades: &TradeStore{db: db},
		equity: &EquityStore{db: db},
	}
	if err := s.trades.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init trades tables: %w", err)
	}
	if err := s.equity.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init equity tables: %w", err)
	}
	return s, nil
}

// Trades returns the completed-trade sub-store.
func (s *Store) Trades() *TradeStore { return s.trades }

// Equity returns the equity-snapshot sub-store.
func (s *Store) Equity() *EquityStore { return s.equity }

// Close closes the DB.
func (s *Store) Close() error { return s.db.Close() }
