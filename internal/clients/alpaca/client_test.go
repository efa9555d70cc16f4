package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpilot/trader/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(domain.BrokerCredentials{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
	}, zerolog.Nop())
	client.SetDataURL(srv.URL)
	return client
}

func TestAccount_ParsesStringNumbers(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/account", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		require.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		_, _ = w.Write([]byte(`{"equity":"10000.50","cash":"2500","buying_power":"5000","portfolio_value":"10000.50","status":"ACTIVE"}`))
	}))

	account, err := client.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.50, account.Equity)
	assert.Equal(t, 2500.0, account.Cash)
	assert.Equal(t, "ACTIVE", account.Status)
}

func TestPositions(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"symbol":"SPY","qty":"14.85","avg_entry_price":"400","current_price":"405","market_value":"6014.25"},
			{"symbol":"BIL","qty":"39.6","avg_entry_price":"100","current_price":"100","market_value":"3960"}
		]`))
	}))

	positions, err := client.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "SPY", positions[0].Symbol)
	assert.Equal(t, 14.85, positions[0].Qty)
}

func TestLatestPrices_BatchWithSingleFallback(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v2/stocks/trades/latest":
			// Batch response omits BIL
			_, _ = w.Write([]byte(`{"trades":{"SPY":{"p":412.5}}}`))
		case "/v2/stocks/BIL/trades/latest":
			_, _ = w.Write([]byte(`{"trade":{"p":100.02}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	prices, err := client.LatestPrices(context.Background(), []string{"SPY", "BIL"})
	require.NoError(t, err)
	assert.Equal(t, 412.5, prices["SPY"])
	assert.Equal(t, 100.02, prices["BIL"])
}

func TestSubmitOrders(t *testing.T) {
	var gotBodies []map[string]interface{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotBodies = append(gotBodies, body)
		_, _ = w.Write([]byte(`{"id":"ord-1","symbol":"SPY","side":"buy","status":"accepted","type":"market","submitted_at":"2026-08-24T15:50:00Z"}`))
	}))

	_, err := client.SubmitMarketSell(context.Background(), "SPY", 2.5)
	require.NoError(t, err)
	_, err = client.SubmitNotionalMarketBuy(context.Background(), "SPY", 5940)
	require.NoError(t, err)
	_, err = client.SubmitLimitBuy(context.Background(), "SPY", 10, 401.25)
	require.NoError(t, err)

	require.Len(t, gotBodies, 3)
	assert.Equal(t, "sell", gotBodies[0]["side"])
	assert.Equal(t, "2.5", gotBodies[0]["qty"])
	assert.Equal(t, "5940", gotBodies[1]["notional"])
	assert.Equal(t, "limit", gotBodies[2]["type"])
	assert.Equal(t, "401.25", gotBodies[2]["limit_price"])
}

func TestSubmitOrder_RejectionMapsToOrderRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"insufficient buying power"}`))
	}))

	_, err := client.SubmitNotionalMarketBuy(context.Background(), "SPY", 1e9)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Contains(t, err.Error(), "insufficient buying power")
}

func TestServerError_MapsToBrokerTransient(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := client.Account(context.Background())
	assert.ErrorIs(t, err, domain.ErrBrokerTransient)
}

func TestMarketCalendar(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/calendar", r.URL.Path)
		require.Equal(t, "2026-08-24", r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`[{"date":"2026-08-24","open":"09:30","close":"16:00"}]`))
	}))

	days, err := client.MarketCalendar(context.Background(), "2026-08-24", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "16:00", days[0].Close)
}

func TestMarketCalendar_UnavailableMapsToSentinel(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.MarketCalendar(context.Background(), "2026-08-24", "2026-08-24")
	assert.ErrorIs(t, err, domain.ErrCalendarUnavailable)
}

func TestPortfolioHistory(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"timestamp":[1724457600],"equity":[10100.5],"profit_loss":[100.5],"profit_loss_pct":[0.01]}`))
	}))

	points, err := client.PortfolioHistory(context.Background(), "1M")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(1724457600000), points[0].TimestampMS)
	assert.Equal(t, 10100.5, points[0].Equity)
}

func TestOrders_QueryParameters(t *testing.T) {
	after := time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "closed", q.Get("status"))
		require.Equal(t, "50", q.Get("limit"))
		require.Equal(t, "2026-08-24T15:00:00Z", q.Get("after"))
		_, _ = w.Write([]byte(`[]`))
	}))

	orders, err := client.Orders(context.Background(), "closed", 50, &after)
	require.NoError(t, err)
	assert.Empty(t, orders)
}
