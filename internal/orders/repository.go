// Package orders owns the Order Repository and its state machine: durable,
// idempotent persistence of order lifecycle transitions, one row per
// (user_id, local_id).
package orders

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/storage"
)

// Repository is the sole writer of order rows.
type Repository struct {
	db *sql.DB
}

// NewRepository builds a Repository over an opened storage.DB.
func NewRepository(db *storage.DB) *Repository {
	return &Repository{db: db.Conn()}
}

// Create inserts a brand-new pending order. Idempotent on (user_id,
// local_id): a second Create for the same key returns the existing row
// instead of erroring or inserting a duplicate.
func (r *Repository) Create(o *domain.Order) (*domain.Order, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	existing, err := r.GetByLocalID(o.UserID, o.LocalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	o.PlacedAt = now
	o.UpdatedAt = now
	o.Status = domain.StatusPending

	_, err = r.db.Exec(`
		INSERT INTO orders (
			user_id, local_id, broker_order_id, symbol, ticker, side, order_type, variety,
			quantity, price, status, reason, retry_count, first_failed_at, last_retry_attempt,
			last_status_check, execution_price, execution_qty, execution_time, is_manual,
			source_order_id, original_price, original_quantity, placed_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.UserID, o.LocalID, storage.StringOrNil(o.BrokerOrderID), o.Symbol, o.Ticker,
		string(o.Side), string(o.Type), string(o.Variety), o.Quantity, storage.FloatOrNil(o.Price),
		string(o.Status), storage.StringOrNil(o.Reason), o.RetryCount,
		storage.TimeOrNil(o.FirstFailedAt), storage.TimeOrNil(o.LastRetryAttempt),
		storage.TimeOrNil(o.LastStatusCheck), storage.FloatOrNil(o.ExecutionPrice),
		storage.FloatOrNil(o.ExecutionQty), storage.TimeOrNil(o.ExecutionTime), o.IsManual,
		storage.StringOrNil(o.SourceOrderID), storage.FloatOrNil(o.OriginalPrice),
		storage.FloatOrNil(o.OriginalQuantity), o.PlacedAt.Format(time.RFC3339), o.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("orders: insert: %w", err)
	}
	return o, nil
}

// GetByLocalID returns the order for (userID, localID), or nil if absent.
func (r *Repository) GetByLocalID(userID, localID string) (*domain.Order, error) {
	row := r.db.QueryRow(selectColumns+` WHERE user_id = ? AND local_id = ?`, userID, localID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orders: get by local id: %w", err)
	}
	return o, nil
}

// GetByBrokerOrderID returns the order matching a broker-assigned id.
func (r *Repository) GetByBrokerOrderID(userID, brokerOrderID string) (*domain.Order, error) {
	row := r.db.QueryRow(selectColumns+` WHERE user_id = ? AND broker_order_id = ?`, userID, brokerOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orders: get by broker order id: %w", err)
	}
	return o, nil
}

// ListByStatus returns every order in one of the given statuses for a user.
func (r *Repository) ListByStatus(userID string, statuses ...domain.OrderStatus) ([]*domain.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := []interface{}{userID}
	for i, s := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	rows, err := r.db.Query(selectColumns+fmt.Sprintf(` WHERE user_id = ? AND status IN (%s) ORDER BY placed_at`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("orders: list by status: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListActiveBySymbolSide returns any pending or ongoing order for (user, symbol,
// side) — used by the duplicate-active-order gate.
func (r *Repository) ListActiveBySymbolSide(userID, symbol string, side domain.Side) ([]*domain.Order, error) {
	rows, err := r.db.Query(selectColumns+`
		WHERE user_id = ? AND symbol = ? AND side = ? AND status IN ('pending','ongoing')`,
		userID, symbol, string(side))
	if err != nil {
		return nil, fmt.Errorf("orders: list active by symbol/side: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListAllForUser returns every order for a user within an optional
// [from, to) placed_at window and optional status/reason filters, backing
// the control surface's GET /orders.
func (r *Repository) ListAllForUser(userID string, status, reasonContains string, from, to *time.Time) ([]*domain.Order, error) {
	query := selectColumns + ` WHERE user_id = ?`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if reasonContains != "" {
		query += ` AND reason LIKE ?`
		args = append(args, "%"+reasonContains+"%")
	}
	if from != nil {
		query += ` AND placed_at >= ?`
		args = append(args, from.UTC().Format(time.RFC3339))
	}
	if to != nil {
		query += ` AND placed_at < ?`
		args = append(args, to.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY placed_at DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("orders: list all for user: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

// StatisticsByStatus returns a count per status for a user, backing GET
// /orders/statistics.
func (r *Repository) StatisticsByStatus(userID string) (map[domain.OrderStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM orders WHERE user_id = ? GROUP BY status`, userID)
	if err != nil {
		return nil, fmt.Errorf("orders: statistics: %w", err)
	}
	defer rows.Close()

	out := map[domain.OrderStatus]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("orders: statistics scan: %w", err)
		}
		out[domain.OrderStatus(status)] = count
	}
	return out, rows.Err()
}

// RetryEligibleFailed returns all failed orders for a user, for the retry
// queue to apply eligibility filtering against (expiry, classification).
func (r *Repository) RetryEligibleFailed(userID string) ([]*domain.Order, error) {
	return r.ListByStatus(userID, domain.StatusFailed)
}

// Update persists the full row for an existing order, stamping updated_at.
// Callers should use Transition (statemachine.go) rather than calling Update
// directly, so that the transition table and idempotence rules are enforced.
func (r *Repository) Update(o *domain.Order) error {
	o.UpdatedAt = time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE orders SET
			broker_order_id = ?, status = ?, reason = ?, retry_count = ?,
			first_failed_at = ?, last_retry_attempt = ?, last_status_check = ?,
			execution_price = ?, execution_qty = ?, execution_time = ?, is_manual = ?,
			source_order_id = ?, original_price = ?, original_quantity = ?, updated_at = ?
		WHERE user_id = ? AND local_id = ?`,
		storage.StringOrNil(o.BrokerOrderID), string(o.Status), storage.StringOrNil(o.Reason), o.RetryCount,
		storage.TimeOrNil(o.FirstFailedAt), storage.TimeOrNil(o.LastRetryAttempt), storage.TimeOrNil(o.LastStatusCheck),
		storage.FloatOrNil(o.ExecutionPrice), storage.FloatOrNil(o.ExecutionQty), storage.TimeOrNil(o.ExecutionTime),
		o.IsManual, storage.StringOrNil(o.SourceOrderID), storage.FloatOrNil(o.OriginalPrice),
		storage.FloatOrNil(o.OriginalQuantity), o.UpdatedAt.Format(time.RFC3339),
		o.UserID, o.LocalID,
	)
	if err != nil {
		return fmt.Errorf("orders: update: %w", err)
	}
	return nil
}

const selectColumns = `SELECT
	user_id, local_id, broker_order_id, symbol, ticker, side, order_type, variety,
	quantity, price, status, reason, retry_count, first_failed_at, last_retry_attempt,
	last_status_check, execution_price, execution_qty, execution_time, is_manual,
	source_order_id, original_price, original_quantity, placed_at, updated_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var brokerOrderID, ticker, reason, sourceOrderID sql.NullString
	var side, orderType, variety, status string
	var price, executionPrice, executionQty, originalPrice, originalQuantity sql.NullFloat64
	var firstFailedAt, lastRetryAttempt, lastStatusCheck, executionTime sql.NullString
	var placedAt, updatedAt string
	var isManual bool

	err := row.Scan(
		&o.UserID, &o.LocalID, &brokerOrderID, &o.Symbol, &ticker, &side, &orderType, &variety,
		&o.Quantity, &price, &status, &reason, &o.RetryCount, &firstFailedAt, &lastRetryAttempt,
		&lastStatusCheck, &executionPrice, &executionQty, &executionTime, &isManual,
		&sourceOrderID, &originalPrice, &originalQuantity, &placedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.BrokerOrderID = storage.NullStringValue(brokerOrderID)
	o.Ticker = storage.NullStringValue(ticker)
	o.Reason = storage.NullStringValue(reason)
	o.SourceOrderID = storage.NullStringValue(sourceOrderID)
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.Variety = domain.Variety(variety)
	o.Status = domain.OrderStatus(status)
	o.Price = storage.NullFloatPtr(price)
	o.ExecutionPrice = storage.NullFloatPtr(executionPrice)
	o.ExecutionQty = storage.NullFloatPtr(executionQty)
	o.OriginalPrice = storage.NullFloatPtr(originalPrice)
	o.OriginalQuantity = storage.NullFloatPtr(originalQuantity)
	o.IsManual = isManual
	o.FirstFailedAt = storage.NullTime(firstFailedAt)
	o.LastRetryAttempt = storage.NullTime(lastRetryAttempt)
	o.LastStatusCheck = storage.NullTime(lastStatusCheck)
	o.ExecutionTime = storage.NullTime(executionTime)
	if t, ok := storageParseTime(placedAt); ok {
		o.PlacedAt = t
	}
	if t, ok := storageParseTime(updatedAt); ok {
		o.UpdatedAt = t
	}
	return &o, nil
}

func storageParseTime(v string) (time.Time, bool) {
	return storage.ParseTime(v)
}

func scanOrders(rows *sql.Rows) ([]*domain.Order, error) {
	var out []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("orders: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarshalRelatedOrderIDs is a small helper shared with internal/reconcile for
// persisting TrackingScope.RelatedOrderIDs as a JSON array column.
func MarshalRelatedOrderIDs(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
