package store

import (
	"database/sql"
	"time"
)

// EquityStore persists daily equity snapshots for the profit curve.
type EquityStore struct {
	db *sql.DB
}

// Snapshot is one equity observation.
type Snapshot struct {
	TradingDate string    `json:"trading_date"`
	TSUTC       time.Time `json:"ts_utc"`
	RealizedPnL float64   `json:"realized_pnl"`
	TradeCount  int       `json:"trade_count"`
}

func (s *EquityStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS equity_snapshots (
			trading_date TEXT PRIMARY KEY,
			ts_utc DATETIME NOT NULL,
			realized_pnl REAL NOT NULL,
			trade_count INTEGER NOT NULL
		)
	`)
	return err
}

// Record upserts the snapshot for a trading date.
func (s *EquityStore) Record(snap Snapshot) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO equity_snapshots (trading_date, ts_utc, realized_pnl, trade_count)
		VALUES (?, ?, ?, ?)
	`, snap.TradingDate, snap.TSUTC.UTC().Format(time.RFC3339), snap.RealizedPnL, snap.TradeCount)
	return err
}

// History returns snapshots oldest first.
func (s *EquityStore) History(limit int) ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT trading_date, ts_utc, realized_pnl, trade_count
		FROM equity_snapshots
		ORDER BY trading_date ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var ts string
		if err := rows.Scan(&snap.TradingDate, &ts, &snap.RealizedPnL, &snap.TradeCount); err != nil {
			return nil, err
		}
		snap.TSUTC, _ = time.Parse(time.RFC3339, ts)
		out = append(out, snap)
	}
	return out, rows.Err()
}
