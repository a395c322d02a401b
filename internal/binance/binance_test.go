package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamURL(t *testing.T) {
	assert.Equal(t,
		"wss://stream.binance.com:9443/stream?streams=btcusdt@depth@100ms/btcusdt@trade",
		StreamURL(DepthStream("btcusdt"), TradeStream("btcusdt")))
}

func TestCurrencyPairs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"timezone": "UTC",
			"symbols": [
				{"symbol": "BTCUSDT", "baseAsset": "BTC", "quoteAsset": "USDT"},
				{"symbol": "ETHBTC", "baseAsset": "ETH", "quoteAsset": "BTC"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient()
	client.url = srv.URL

	pairs, err := client.CurrencyPairs(context.Background())
	require.NoError(t, err)
	require.Len(t, pairs, 2)

	assert.Equal(t, "btcusdt", pairs[0].Symbol())
	assert.Equal(t, "BTC", pairs[0].Base)
	assert.Equal(t, "USDT", pairs[0].Quote)
	assert.Equal(t, "ethbtc", pairs[1].Symbol())
	assert.NotEmpty(t, pairs[0].UUID)
}

func TestCurrencyPairsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient()
	client.url = srv.URL

	_, err := client.CurrencyPairs(context.Background())
	assert.Error(t, err)
}

func TestCurrencyPairsBadPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols": [`))
	}))
	defer srv.Close()

	client := NewClient()
	client.url = srv.URL

	_, err := client.CurrencyPairs(context.Background())
	assert.Error(t, err)
}
