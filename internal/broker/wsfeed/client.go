// Package wsfeed implements broker.SubscribeLTP over a WebSocket connection,
// generalizing this codebase's existing market-status live feed (connect,
// subscribe, read loop, reconnect-with-backoff, staleness tracking) to a
// per-symbol LTP stream.
package wsfeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/order-supervisor/internal/broker"
)

const (
	minReconnectDelay = 1 * time.Second
	maxReconnectDelay = 30 * time.Second
	softMaxAttempts   = 10 // beyond this, delay is capped but attempts continue uncapped
)

// subscribeMessage is the wire shape for a subscribe/unsubscribe request.
type subscribeMessage struct {
	Action  string   `json:"action"`
	Symbols []string `json:"symbols"`
}

// tickMessage is the wire shape for an inbound LTP tick.
type tickMessage struct {
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
}

// Client maintains one long-lived WebSocket connection to the broker's LTP
// feed and fans updates out to subscriber callbacks.
type Client struct {
	url string
	log zerolog.Logger

	mu          sync.RWMutex
	conn        *websocket.Conn
	subscribers map[string]map[int]func(broker.PriceUpdate)
	nextSubID   int
	lastUpdate  time.Time

	httpClient *http.Client
}

// New builds a wsfeed.Client. The HTTP client forces HTTP/1.1 via ALPN
// negotiation, because some CDN fronts in front of broker WebSocket
// endpoints negotiate HTTP/2 and then break the upgrade handshake.
func New(url string, log zerolog.Logger) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"http/1.1"},
		},
		ForceAttemptHTTP2: false,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
	}
	return &Client{
		url:         url,
		log:         log.With().Str("component", "wsfeed").Logger(),
		subscribers: make(map[string]map[int]func(broker.PriceUpdate)),
		httpClient:  &http.Client{Transport: transport},
	}
}

type handle struct {
	client  *Client
	symbols []string
	ids     map[string]int
}

func (h *handle) Close() error {
	h.client.unsubscribe(h.symbols, h.ids)
	return nil
}

// SubscribeLTP satisfies broker.Adapter's live-price leg: it ensures the
// connection is running and registers onUpdate against symbols.
func (c *Client) SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(broker.PriceUpdate)) (broker.SubscriptionHandle, error) {
	c.mu.Lock()
	if c.conn == nil {
		go c.runWithReconnect(ctx)
	}
	ids := make(map[string]int, len(symbols))
	for _, s := range symbols {
		if c.subscribers[s] == nil {
			c.subscribers[s] = make(map[int]func(broker.PriceUpdate))
		}
		c.nextSubID++
		id := c.nextSubID
		c.subscribers[s][id] = onUpdate
		ids[s] = id
	}
	c.mu.Unlock()

	c.sendSubscribe(ctx, "subscribe", symbols)
	return &handle{client: c, symbols: symbols, ids: ids}, nil
}

func (c *Client) unsubscribe(symbols []string, ids map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range symbols {
		delete(c.subscribers[s], ids[s])
		if len(c.subscribers[s]) == 0 {
			delete(c.subscribers, s)
			go c.sendSubscribe(context.Background(), "unsubscribe", []string{s})
		}
	}
}

func (c *Client) sendSubscribe(ctx context.Context, action string, symbols []string) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || len(symbols) == 0 {
		return
	}
	msg := subscribeMessage{Action: action, Symbols: symbols}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, conn, msg); err != nil {
		c.log.Warn().Err(err).Str("action", action).Msg("failed to send subscription message")
	}
}

// runWithReconnect owns the connection lifecycle: connect, subscribe to all
// currently-held symbols, read loop, and on disconnect reconnect with
// capped exponential backoff plus jitter.
func (c *Client) runWithReconnect(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndRead(ctx); err != nil {
			c.log.Warn().Err(err).Int("attempt", attempt).Msg("ws feed disconnected, will reconnect")
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		attempt++
		delay := backoffDelay(attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	capped := attempt
	if capped > softMaxAttempts {
		capped = softMaxAttempts
	}
	base := minReconnectDelay * time.Duration(1<<uint(capped))
	if base > maxReconnectDelay {
		base = maxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	return base + jitter
}

func (c *Client) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return fmt.Errorf("wsfeed: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.mu.Lock()
	c.conn = conn
	var all []string
	for s := range c.subscribers {
		all = append(all, s)
	}
	c.mu.Unlock()
	c.sendSubscribe(ctx, "subscribe", all)

	for {
		var msg tickMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return fmt.Errorf("wsfeed: read: %w", err)
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg tickMessage) {
	c.mu.Lock()
	c.lastUpdate = time.Now()
	subs := make([]func(broker.PriceUpdate), 0, len(c.subscribers[msg.Symbol]))
	for _, fn := range c.subscribers[msg.Symbol] {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	update := broker.PriceUpdate{Symbol: msg.Symbol, LTP: msg.LTP, ReceivedAt: time.Now()}
	for _, fn := range subs {
		fn(update)
	}
}

// IsCacheStale reports whether no tick has been received within d.
func (c *Client) IsCacheStale(d time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastUpdate.IsZero() {
		return true
	}
	return time.Since(c.lastUpdate) > d
}

// marshalForDebug is used only by tests to assert the wire shape of a
// subscribe message without standing up a real connection.
func marshalForDebug(action string, symbols []string) ([]byte, error) {
	return json.Marshal(subscribeMessage{Action: action, Symbols: symbols})
}
