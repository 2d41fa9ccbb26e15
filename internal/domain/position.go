package domain

import "time"

// Position is the at-most-one-open-per-(user,symbol) holding record.
type Position struct {
	UserID    string
	Symbol    string
	Quantity  float64
	AvgPrice  float64
	OpenedAt  time.Time
	ClosedAt  *time.Time // nil while open
}

// IsOpen reports whether the position still carries quantity.
func (p *Position) IsOpen() bool {
	return p.ClosedAt == nil && p.Quantity > 0
}

// ApplyBuy folds a new buy execution into the position, volume-weighting the
// average price across re-entries.
func (p *Position) ApplyBuy(qty, price float64) {
	if p.Quantity <= 0 {
		p.Quantity = qty
		p.AvgPrice = price
		return
	}
	totalCost := p.AvgPrice*p.Quantity + price*qty
	p.Quantity += qty
	p.AvgPrice = totalCost / p.Quantity
}

// ApplySell reduces the position by a sell execution, closing it once the
// quantity reaches zero.
func (p *Position) ApplySell(qty float64, at time.Time) {
	p.Quantity -= qty
	if p.Quantity <= 1e-9 {
		p.Quantity = 0
		closed := at
		p.ClosedAt = &closed
	}
}
