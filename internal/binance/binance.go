// Package binance holds the exchange-facing endpoints: the REST
// catalogue client and the combined-stream WebSocket URL builder.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coinlake/binance-collector/internal/model"
)

const (
	// ExchangeInfoURL is the catalogue endpoint listing all symbols.
	ExchangeInfoURL = "https://api.binance.com/api/v3/exchangeInfo"

	// CombinedStreamBase is the multiplexed WebSocket endpoint. The
	// streams query parameter carries "/"-separated stream names.
	CombinedStreamBase = "wss://stream.binance.com:9443/stream"
)

// StreamURL builds the combined-stream URL for the given stream names,
// e.g. StreamURL("btcusdt@depth@100ms", "btcusdt@trade"). The server
// rejects connections without at least one stream.
func StreamURL(streams ...string) string {
	return CombinedStreamBase + "?streams=" + strings.Join(streams, "/")
}

// TradeStream and DepthStream name the per-symbol sub-streams collected
// for every pair.
func TradeStream(symbol string) string { return symbol + "@trade" }
func DepthStream(symbol string) string { return symbol + "@depth@100ms" }

// SymbolInfo is one entry of the exchangeInfo response.
type SymbolInfo struct {
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`
}

type exchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// Client queries the exchange REST API.
type Client struct {
	http *http.Client
	url  string
}

// NewClient creates a catalogue client with a request timeout; calls also
// honor the caller's context.
func NewClient() *Client {
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		url:  ExchangeInfoURL,
	}
}

// CurrencyPairs fetches the exchange catalogue and maps every listed
// symbol to a fresh CurrencyPair.
func (c *Client) CurrencyPairs(ctx context.Context) ([]*model.CurrencyPair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: query exchange info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: exchange info status %d", resp.StatusCode)
	}

	var info exchangeInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("binance: decode exchange info: %w", err)
	}

	pairs := make([]*model.CurrencyPair, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		pairs = append(pairs, model.NewCurrencyPair(s.BaseAsset, s.QuoteAsset))
	}
	return pairs, nil
}
