package store

import (
	"database/sql"
	"time"

	"QTSW2/journal"
)

// TradeStore persists completed trades.
type TradeStore struct {
	db *sql.DB
}

// Trade is one completed round trip.
type Trade struct {
	IntentID         string    `json:"intent_id"`
	TradingDate      string    `json:"trading_date"`
	StreamID         string    `json:"stream_id"`
	Instrument       string    `json:"instrument"`
	Direction        string    `json:"direction"`
	Quantity         int       `json:"quantity"`
	EntryAvgPrice    float64   `json:"entry_avg_price"`
	ExitAvgPrice     float64   `json:"exit_avg_price"`
	RealizedPoints   float64   `json:"realized_points"`
	GrossPnL         float64   `json:"gross_pnl"`
	NetPnL           float64   `json:"net_pnl"`
	CompletionReason string    `json:"completion_reason"`
	CompletedAt      time.Time `json:"completed_at"`
}

func (s *TradeStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			intent_id TEXT PRIMARY KEY,
			trading_date TEXT NOT NULL,
			stream_id TEXT NOT NULL,
			instrument TEXT NOT NULL,
			direction TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			entry_avg_price REAL NOT NULL,
			exit_avg_price REAL NOT NULL,
			realized_points REAL NOT NULL,
			gross_pnl REAL NOT NULL,
			net_pnl REAL NOT NULL,
			completion_reason TEXT NOT NULL,
			completed_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trading_date)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_trades_stream ON trades(stream_id)`)
	return nil
}

// RecordCompleted upserts a finalized journal entry. Idempotent: replaying a
// completed entry overwrites the identical row.
func (s *TradeStore) RecordCompleted(e *journal.Entry) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades
			(intent_id, trading_date, stream_id, instrument, direction, quantity,
			 entry_avg_price, exit_avg_price, realized_points, gross_pnl, net_pnl,
			 completion_reason, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.IntentID, e.Intent.TradingDate, e.Intent.StreamID,
		e.Intent.CanonicalInstrument, string(e.Intent.Direction), e.EntryFilledQty,
		e.EntryAvgPrice, e.ExitAvgPrice, e.RealizedPoints, e.GrossPnL, e.NetPnL,
		string(e.CompletionReason), e.LastExitFillAt.UTC().Format(time.RFC3339))
	return err
}

// Recent returns the most recent completed trades, newest first.
func (s *TradeStore) Recent(limit int) ([]Trade, error) {
	rows, err := s.db.Query(`
		SELECT intent_id, trading_date, stream_id, instrument, direction, quantity,
		       entry_avg_price, exit_avg_price, realized_points, gross_pnl, net_pnl,
		       completion_reason, completed_at
		FROM trades
		ORDER BY completed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var tr Trade
		var completedAt string
		if err := rows.Scan(&tr.IntentID, &tr.TradingDate, &tr.StreamID,
			&tr.Instrument, &tr.Direction, &tr.Quantity,
			&tr.EntryAvgPrice, &tr.ExitAvgPrice, &tr.RealizedPoints,
			&tr.GrossPnL, &tr.NetPnL, &tr.CompletionReason, &completedAt); err != nil {
			return nil, err
		}
		tr.CompletedAt, _ = time.Parse(time.RFC3339, completedAt)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DayPnL sums net P&L for a trading date.
func (s *TradeStore) DayPnL(tradingDate string) (float64, int, error) {
	var pnl sql.NullFloat64
	var n int
	err := s.db.QueryRow(`
		SELECT SUM(net_pnl), COUNT(*) FROM trades WHERE trading_date = ?
	`, tradingDate).Scan(&pnl, &n)
	if err != nil {
		return 0, 0, err
	}
	return pnl.Float64, n, nil
}
