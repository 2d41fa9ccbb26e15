package domain

import "time"

// PriceSource distinguishes a live tick from a historical bar close used as
// a fallback.
type PriceSource string

const (
	PriceSourceWebsocket  PriceSource = "websocket"
	PriceSourceHistorical PriceSource = "historical"
)

// PriceObservation is one LTP sample for a symbol.
type PriceObservation struct {
	Symbol     string
	LTP        float64
	ReceivedAt time.Time
	Source     PriceSource
	Stale      bool
}

// Bar is one historical OHLCV sample.
type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}
