// Package httpadapter implements broker.Adapter against a JSON/HTTP broker
// microservice, generalizing this codebase's existing broker HTTP client
// shape (a success-flagged envelope, one method per broker operation) to the
// full supervisor-required surface.
package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
)

// Client is an HTTP-backed broker.Adapter.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New builds a Client against baseURL with the given per-call timeout.
func New(baseURL string, callTimeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: callTimeout},
		log:     log.With().Str("component", "broker_http").Logger(),
	}
}

// envelope mirrors this codebase's existing broker response shape: a
// success flag, raw data payload, and an optional error string.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
	Status  int             `json:"-"`
}

// apiError carries enough information for broker.IsSessionExpired and
// broker.IsTransient to classify it without string matching.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string          { return e.msg }
func (e *apiError) SessionExpired() bool   { return e.status == http.StatusUnauthorized }
func (e *apiError) Transient() bool {
	return e.status == 0 || e.status >= 500 || e.status == http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, path, token string, body interface{}) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("httpadapter: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("httpadapter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &apiError{status: 0, msg: fmt.Sprintf("httpadapter: request failed: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apiError{status: resp.StatusCode, msg: fmt.Sprintf("httpadapter: read body: %v", err)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &apiError{status: resp.StatusCode, msg: fmt.Sprintf("httpadapter: decode response: %v", err)}
	}
	env.Status = resp.StatusCode

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, &apiError{status: resp.StatusCode, msg: "httpadapter: session expired"}
	}
	if !env.Success {
		msg := "unknown broker error"
		if env.Error != nil {
			msg = *env.Error
		}
		return nil, &apiError{status: resp.StatusCode, msg: fmt.Sprintf("httpadapter: %s", msg)}
	}
	return &env, nil
}

func (c *Client) Authenticate(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	env, err := c.do(ctx, http.MethodPost, "/auth/login", "", creds)
	if err != nil {
		return broker.Session{}, err
	}
	var out struct {
		UserID    string    `json:"user_id"`
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return broker.Session{}, fmt.Errorf("httpadapter: decode auth response: %w", err)
	}
	return broker.Session{UserID: out.UserID, Token: out.Token, ExpiresAt: out.ExpiresAt}, nil
}

// FetchHistorical satisfies marketdata.HistoryFetcher, letting the same
// client that authenticates and places orders also back the price cache's
// historical series.
func (c *Client) FetchHistorical(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Bar, error) {
	path := fmt.Sprintf("/historical/%s?days=%d&interval=%s&include_today=%t", ticker, days, interval, includeToday)
	env, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	var bars []domain.Bar
	if err := json.Unmarshal(env.Data, &bars); err != nil {
		return nil, fmt.Errorf("httpadapter: decode historical bars: %w", err)
	}
	return bars, nil
}

func (c *Client) PlaceOrder(ctx context.Context, sess broker.Session, req broker.PlaceOrderRequest) (broker.PlaceOrderResult, error) {
	env, err := c.authed(ctx, sess, http.MethodPost, "/orders", req)
	if err != nil {
		return broker.PlaceOrderResult{}, err
	}
	var out broker.PlaceOrderResult
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return broker.PlaceOrderResult{}, fmt.Errorf("httpadapter: decode place order response: %w", err)
	}
	return out, nil
}

func (c *Client) ModifyOrder(ctx context.Context, sess broker.Session, brokerOrderID string, price, quantity *float64) error {
	body := map[string]interface{}{"price": price, "quantity": quantity}
	_, err := c.authed(ctx, sess, http.MethodPut, "/orders/"+brokerOrderID, body)
	return err
}

func (c *Client) CancelOrder(ctx context.Context, sess broker.Session, brokerOrderID string) error {
	_, err := c.authed(ctx, sess, http.MethodDelete, "/orders/"+brokerOrderID, nil)
	return err
}

func (c *Client) ListOrders(ctx context.Context, sess broker.Session) (broker.OrderBookSnapshot, error) {
	env, err := c.authed(ctx, sess, http.MethodGet, "/orders", nil)
	if err != nil {
		return broker.OrderBookSnapshot{}, err
	}
	var entries []broker.OrderBookEntry
	if err := json.Unmarshal(env.Data, &entries); err != nil {
		return broker.OrderBookSnapshot{}, fmt.Errorf("httpadapter: decode order book: %w", err)
	}
	return broker.OrderBookSnapshot{FetchedAt: time.Now(), Orders: entries}, nil
}

func (c *Client) ListHoldings(ctx context.Context, sess broker.Session) (broker.HoldingsSnapshot, error) {
	env, err := c.authed(ctx, sess, http.MethodGet, "/portfolio", nil)
	if err != nil {
		return broker.HoldingsSnapshot{}, err
	}
	var holdings []broker.Holding
	if err := json.Unmarshal(env.Data, &holdings); err != nil {
		return broker.HoldingsSnapshot{}, fmt.Errorf("httpadapter: decode holdings: %w", err)
	}
	return broker.HoldingsSnapshot{FetchedAt: time.Now(), Holdings: holdings}, nil
}

func (c *Client) GetLimits(ctx context.Context, sess broker.Session) (broker.Limits, error) {
	env, err := c.authed(ctx, sess, http.MethodGet, "/limits", nil)
	if err != nil {
		return broker.Limits{}, err
	}
	var out broker.Limits
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return broker.Limits{}, fmt.Errorf("httpadapter: decode limits: %w", err)
	}
	return out, nil
}

// SubscribeLTP is not implemented by the REST adapter; supervisors compose
// this client with wsfeed.Client for live price subscription.
func (c *Client) SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(broker.PriceUpdate)) (broker.SubscriptionHandle, error) {
	return nil, fmt.Errorf("httpadapter: SubscribeLTP not supported, use wsfeed.Client")
}

func (c *Client) authed(ctx context.Context, sess broker.Session, method, path string, body interface{}) (*envelope, error) {
	return c.do(ctx, method, path, sess.Token, body)
}

var _ broker.Adapter = (*Client)(nil)
