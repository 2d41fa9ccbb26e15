// Package reconcile detects and absorbs out-of-band broker activity: manual
// buys/sells of a tracked symbol, externally cancelled or modified orders,
// and first-observation of pre-existing holdings the system never placed.
package reconcile

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/storage"
)

// TrackingRepository owns the tracking_scope table: the only place system-
// originated quantity is distinguished from quantity the system never
// touched.
type TrackingRepository struct {
	db *sql.DB
}

// NewTrackingRepository builds a TrackingRepository over an opened storage.DB.
func NewTrackingRepository(db *storage.DB) *TrackingRepository {
	return &TrackingRepository{db: db.Conn()}
}

// Get returns the tracking scope for (userID, symbol), or nil if the symbol
// has never been observed.
func (r *TrackingRepository) Get(userID, symbol string) (*domain.TrackingScope, error) {
	row := r.db.QueryRow(`
		SELECT user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
			tracking_status, initial_order_id, related_order_ids, recommendation_source
		FROM tracking_scope WHERE user_id = ? AND symbol = ?`, userID, symbol)

	var ts domain.TrackingScope
	var status string
	var initialOrderID, recommendationSource sql.NullString
	var relatedJSON string

	err := row.Scan(&ts.UserID, &ts.Symbol, &ts.SystemQty, &ts.PreExistingQty, &ts.CurrentTrackedQty,
		&status, &initialOrderID, &relatedJSON, &recommendationSource)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: get tracking scope: %w", err)
	}

	ts.Status = domain.TrackingStatus(status)
	ts.InitialOrderID = storage.NullStringValue(initialOrderID)
	ts.RecommendationSource = storage.NullStringValue(recommendationSource)
	if relatedJSON != "" {
		_ = json.Unmarshal([]byte(relatedJSON), &ts.RelatedOrderIDs)
	}
	return &ts, nil
}

// ListActive returns every actively tracked scope for a user.
func (r *TrackingRepository) ListActive(userID string) ([]*domain.TrackingScope, error) {
	rows, err := r.db.Query(`
		SELECT user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
			tracking_status, initial_order_id, related_order_ids, recommendation_source
		FROM tracking_scope WHERE user_id = ? AND tracking_status = ?`, userID, string(domain.TrackingActive))
	if err != nil {
		return nil, fmt.Errorf("reconcile: list active tracking scopes: %w", err)
	}
	defer rows.Close()

	var out []*domain.TrackingScope
	for rows.Next() {
		var ts domain.TrackingScope
		var status string
		var initialOrderID, recommendationSource sql.NullString
		var relatedJSON string
		if err := rows.Scan(&ts.UserID, &ts.Symbol, &ts.SystemQty, &ts.PreExistingQty, &ts.CurrentTrackedQty,
			&status, &initialOrderID, &relatedJSON, &recommendationSource); err != nil {
			return nil, fmt.Errorf("reconcile: scan tracking scope: %w", err)
		}
		ts.Status = domain.TrackingStatus(status)
		ts.InitialOrderID = storage.NullStringValue(initialOrderID)
		ts.RecommendationSource = storage.NullStringValue(recommendationSource)
		if relatedJSON != "" {
			_ = json.Unmarshal([]byte(relatedJSON), &ts.RelatedOrderIDs)
		}
		out = append(out, &ts)
	}
	return out, rows.Err()
}

// Upsert persists ts, creating the row if absent.
func (r *TrackingRepository) Upsert(ts *domain.TrackingScope) error {
	relatedJSON, err := json.Marshal(ts.RelatedOrderIDs)
	if err != nil {
		return fmt.Errorf("reconcile: marshal related order ids: %w", err)
	}
	if len(ts.RelatedOrderIDs) == 0 {
		relatedJSON = []byte("[]")
	}

	_, err = r.db.Exec(`
		INSERT INTO tracking_scope (
			user_id, symbol, system_qty, pre_existing_qty, current_tracked_qty,
			tracking_status, initial_order_id, related_order_ids, recommendation_source
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			system_qty = excluded.system_qty,
			pre_existing_qty = excluded.pre_existing_qty,
			current_tracked_qty = excluded.current_tracked_qty,
			tracking_status = excluded.tracking_status,
			related_order_ids = excluded.related_order_ids`,
		ts.UserID, ts.Symbol, ts.SystemQty, ts.PreExistingQty, ts.CurrentTrackedQty,
		string(ts.Status), storage.StringOrNil(ts.InitialOrderID), string(relatedJSON),
		storage.StringOrNil(ts.RecommendationSource),
	)
	if err != nil {
		return fmt.Errorf("reconcile: upsert tracking scope: %w", err)
	}
	return nil
}
