// journal/store.go
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"putseller/domain"

	_ "github.com/glebarez/go-sqlite"
)

const expirationLayout = "2006-01-02"

// Store is the SQLite repository of closed trades.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the journal database with WAL enabled.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer; the WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	// exit_order_id is NULL for trades without a broker order id; UNIQUE
	// still lets a replayed fill be ignored.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS closed_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			strike REAL NOT NULL,
			expiration TEXT NOT NULL,
			option_right TEXT NOT NULL,
			contracts INTEGER NOT NULL,
			filled_quantity INTEGER NOT NULL,
			entry_premium REAL NOT NULL,
			exit_premium REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			exit_reason TEXT NOT NULL,
			days_held INTEGER NOT NULL,
			opened_at INTEGER NOT NULL,
			closed_at INTEGER NOT NULL,
			exit_order_id TEXT UNIQUE
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create closed_trades table: %w", err)
	}
	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_closed_trades_closed_at ON closed_trades(closed_at);"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create closed_at index: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveClosedTrade inserts a trade. Saving the same exit order twice is a no-op.
func (s *Store) SaveClosedTrade(ctx context.Context, t domain.ClosedTrade) error {
	var orderID sql.NullString
	if t.ExitOrderID != "" {
		orderID = sql.NullString{String: t.ExitOrderID, Valid: true}
	}
	var openedAt int64
	if !t.OpenedAt.IsZero() {
		openedAt = t.OpenedAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO closed_trades (
			position_id, symbol, strike, expiration, option_right, contracts, filled_quantity,
			entry_premium, exit_premium, realized_pnl, exit_reason, days_held, opened_at, closed_at, exit_order_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(exit_order_id) DO NOTHING`,
		t.PositionID, t.Symbol, t.Strike, t.Expiration.Format(expirationLayout), string(t.Right), t.Contracts, t.FilledQuantity,
		t.EntryPremium, t.ExitPremium, t.RealizedPnL, string(t.ExitReason), t.DaysHeld, openedAt, t.ClosedAt.UnixMilli(), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert closed trade %s: %w", t.PositionID, err)
	}
	return nil
}

// ListClosedTrades returns trades closed at or after since, oldest first.
func (s *Store) ListClosedTrades(ctx context.Context, since time.Time) ([]domain.ClosedTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT position_id, symbol, strike, expiration, option_right, contracts, filled_quantity,
			entry_premium, exit_premium, realized_pnl, exit_reason, days_held, opened_at, closed_at, exit_order_id
		FROM closed_trades WHERE closed_at >= ? ORDER BY closed_at ASC, id ASC`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.ClosedTrade
	for rows.Next() {
		var (
			t                  domain.ClosedTrade
			expiration         string
			right, reason      string
			openedAt, closedAt int64
			orderID            sql.NullString
		)
		if err := rows.Scan(&t.PositionID, &t.Symbol, &t.Strike, &expiration, &right, &t.Contracts, &t.FilledQuantity,
			&t.EntryPremium, &t.ExitPremium, &t.RealizedPnL, &reason, &t.DaysHeld, &openedAt, &closedAt, &orderID); err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		t.Expiration, err = time.ParseInLocation(expirationLayout, expiration, time.Local)
		if err != nil {
			return nil, fmt.Errorf("corrupt expiration %q for %s: %w", expiration, t.PositionID, err)
		}
		t.Right = domain.Right(right)
		t.ExitReason = domain.ExitReason(reason)
		if openedAt != 0 {
			t.OpenedAt = time.UnixMilli(openedAt)
		}
		t.ClosedAt = time.UnixMilli(closedAt)
		t.ExitOrderID = orderID.String
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RealizedPnLSince sums realized P&L of trades closed at or after since.
func (s *Store) RealizedPnLSince(ctx context.Context, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, "SELECT SUM(realized_pnl) FROM closed_trades WHERE closed_at >= ?", since.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum realized pnl: %w", err)
	}
	return total.Float64, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
