package orders

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/storage"
)

// PositionRepository persists the at-most-one-open-row-per-(user,symbol)
// position table, the direct side effect of order transitions into ongoing
// (buy fill) and closed (sell fill).
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository builds a PositionRepository over an opened storage.DB.
func NewPositionRepository(db *storage.DB) *PositionRepository {
	return &PositionRepository{db: db.Conn()}
}

// Get returns the position for (userID, symbol), or nil if none has ever
// been opened.
func (r *PositionRepository) Get(userID, symbol string) (*domain.Position, error) {
	row := r.db.QueryRow(`
		SELECT user_id, symbol, quantity, avg_price, opened_at, closed_at
		FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)

	var p domain.Position
	var openedAt string
	var closedAt sql.NullString
	err := row.Scan(&p.UserID, &p.Symbol, &p.Quantity, &p.AvgPrice, &openedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orders: get position: %w", err)
	}
	if t, ok := storage.ParseTime(openedAt); ok {
		p.OpenedAt = t
	}
	p.ClosedAt = storage.NullTime(closedAt)
	return &p, nil
}

// ListOpen returns every open position for a user, the portfolio-capacity
// check's source of truth.
func (r *PositionRepository) ListOpen(userID string) ([]*domain.Position, error) {
	rows, err := r.db.Query(`
		SELECT user_id, symbol, quantity, avg_price, opened_at, closed_at
		FROM positions WHERE user_id = ? AND quantity > 0 AND closed_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("orders: list open positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		var p domain.Position
		var openedAt string
		var closedAt sql.NullString
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Quantity, &p.AvgPrice, &openedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("orders: scan position: %w", err)
		}
		if t, ok := storage.ParseTime(openedAt); ok {
			p.OpenedAt = t
		}
		p.ClosedAt = storage.NullTime(closedAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Upsert persists p, creating the row if absent.
func (r *PositionRepository) Upsert(p *domain.Position) error {
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO positions (user_id, symbol, quantity, avg_price, opened_at, closed_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			closed_at = excluded.closed_at`,
		p.UserID, p.Symbol, p.Quantity, p.AvgPrice,
		p.OpenedAt.UTC().Format(time.RFC3339), storage.TimeOrNil(p.ClosedAt),
	)
	if err != nil {
		return fmt.Errorf("orders: upsert position: %w", err)
	}
	return nil
}

// ApplyBuyFill loads (or opens) the position for (userID, symbol), folds in
// a buy execution, and persists it.
func (r *PositionRepository) ApplyBuyFill(userID, symbol string, qty, price float64, at time.Time) (*domain.Position, error) {
	p, err := r.Get(userID, symbol)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &domain.Position{UserID: userID, Symbol: symbol, OpenedAt: at}
	}
	p.ApplyBuy(qty, price)
	if p.ClosedAt != nil {
		p.ClosedAt = nil // a fresh buy re-opens a previously closed position
	}
	if err := r.Upsert(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ApplySellFill loads the position for (userID, symbol), folds in a sell
// execution, and persists it, closing the position at at if the sell zeroes
// the quantity.
func (r *PositionRepository) ApplySellFill(userID, symbol string, qty float64, at time.Time) (*domain.Position, error) {
	p, err := r.Get(userID, symbol)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("orders: sell fill for %s/%s with no open position", userID, symbol)
	}
	p.ApplySell(qty, at)
	if err := r.Upsert(p); err != nil {
		return nil, err
	}
	return p, nil
}
