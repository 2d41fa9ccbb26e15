package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/broker"
)

func TestAuthenticate_DecodesSessionAndSetsUserID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"user_id": "u1", "token": "tok", "expires_at": time.Now().Add(time.Hour)},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zerolog.Nop())
	sess, err := c.Authenticate(context.Background(), broker.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	require.Equal(t, "u1", sess.UserID)
	require.Equal(t, "tok", sess.Token)
}

func TestAuthed_AttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "data": []broker.OrderBookEntry{}})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := c.ListOrders(context.Background(), broker.Session{Token: "abc123"})
	require.NoError(t, err)
	require.Equal(t, "Bearer abc123", gotAuth)
}

func TestDo_UnauthorizedIsClassifiedSessionExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := c.ListOrders(context.Background(), broker.Session{Token: "stale"})
	require.Error(t, err)
	require.True(t, broker.IsSessionExpired(err))
}

func TestDo_ServerErrorIsClassifiedTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": ptr("upstream down")})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := c.GetLimits(context.Background(), broker.Session{Token: "tok"})
	require.Error(t, err)
	require.True(t, broker.IsTransient(err))
}

func TestFetchHistorical_DecodesBars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/historical/ACME", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("days"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": []map[string]interface{}{
				{"time": time.Now(), "open": 1, "high": 2, "low": 0.5, "close": 1.5, "volume": 100},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, 5*time.Second, zerolog.Nop())
	bars, err := c.FetchHistorical(context.Background(), "ACME", 5, "1d", false)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, 1.5, bars[0].Close)
}

func TestSubscribeLTP_NotSupported(t *testing.T) {
	c := New("http://example.invalid", 5*time.Second, zerolog.Nop())
	_, err := c.SubscribeLTP(context.Background(), []string{"ACME"}, nil)
	require.Error(t, err)
}

func ptr(s string) *string { return &s }
