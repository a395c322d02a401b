package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinlake/binance-collector/internal/app"
	"github.com/coinlake/binance-collector/internal/model"
	"github.com/coinlake/binance-collector/internal/repository"
	"github.com/coinlake/binance-collector/internal/rx"
)

type fakeCollector struct {
	mu         sync.Mutex
	collecting map[string]bool
}

func newFakeCollector() *fakeCollector {
	return &fakeCollector{collecting: make(map[string]bool)}
}

func (f *fakeCollector) AddCurrencyPair(pair *model.CurrencyPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collecting[pair.Symbol()] = true
	return nil
}

func (f *fakeCollector) RemoveCurrencyPair(pair *model.CurrencyPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collecting, pair.Symbol())
	return nil
}

func (f *fakeCollector) IsCollecting(pair *model.CurrencyPair) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.collecting[pair.Symbol()]
}

type serverFixture struct {
	srv     *Server
	repo    *repository.FileRepository
	coll    *fakeCollector
	changes *rx.Subject[model.CurrencyPairChange]
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()

	repo, err := repository.OpenFile(filepath.Join(t.TempDir(), "currency_pairs.json"))
	require.NoError(t, err)

	coll := newFakeCollector()
	pairs := rx.NewBehaviorSubject[[]*model.CurrencyPair](nil)
	changes := rx.NewSubject[model.CurrencyPairChange]()

	svc := app.NewService(repo, coll, pairs.AsObservable(), changes.AsObservable())
	svc.Start()
	t.Cleanup(svc.Stop)

	return &serverFixture{
		srv:     New(svc, ":0"),
		repo:    repo,
		coll:    coll,
		changes: changes,
	}
}

func (f *serverFixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.srv.echo.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) createPair(t *testing.T, base, quote string, status model.Status) *model.CurrencyPair {
	t.Helper()

	pair := model.NewCurrencyPair(base, quote)
	pair.Status = status
	_, err := f.repo.Create(pair)
	require.NoError(t, err)
	return pair
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"OK"}`, rec.Body.String())
}

func TestInfo(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "time")
	assert.Contains(t, resp, "timezone")
	assert.NotContains(t, resp, "last_change", "omitted before the first catalogue change")

	f.changes.Next(model.CurrencyPairChange{
		Added: []*model.CurrencyPair{model.NewCurrencyPair("ETH", "USDT")},
	})

	rec = f.do(http.MethodGet, "/")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp, "last_change")
	require.Contains(t, resp, "last_change_dt")
}

func TestListCurrencyPairs(t *testing.T) {
	f := newFixture(t)
	f.createPair(t, "BTC", "USDT", model.StatusActive)
	f.createPair(t, "ETH", "USDT", model.StatusCreated)
	f.createPair(t, "ETH", "EUR", model.StatusCreated)

	tests := []struct {
		name  string
		path  string
		count int
	}{
		{name: "no filter", path: "/currency_pairs", count: 3},
		{name: "by base", path: "/currency_pairs?base=eth", count: 2},
		{name: "by quote", path: "/currency_pairs?quote=USDT", count: 2},
		{name: "by status", path: "/currency_pairs?status=ACTIVE", count: 1},
		{name: "combined", path: "/currency_pairs?base=ETH&quote=EUR", count: 1},
		{name: "no match", path: "/currency_pairs?base=DOGE", count: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodGet, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)

			var pairs []CurrencyPairResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pairs))
			assert.Len(t, pairs, tt.count)
		})
	}
}

func TestListCurrencyPairsInvalidStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/currency_pairs?status=SLEEPING")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCurrencyPair(t *testing.T) {
	f := newFixture(t)
	pair := f.createPair(t, "BTC", "USDT", model.StatusActive)

	rec := f.do(http.MethodGet, "/currency_pairs/"+pair.UUID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CurrencyPairResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pair.UUID, resp.UUID)
	assert.Equal(t, "btcusdt", resp.Symbol)
	assert.Equal(t, model.StatusActive, resp.Status)
	assert.False(t, resp.IsActive, "not collecting until started")
}

func TestGetCurrencyPairInvalidUUID(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/currency_pairs/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Valid UUID shape but not version 4.
	rec = f.do(http.MethodGet, "/currency_pairs/c232ab00-9414-11ec-b3c8-9f68deced846")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCurrencyPairUnknown(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/currency_pairs/5f8a1c0e-0000-4000-8000-000000000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartCurrencyPair(t *testing.T) {
	f := newFixture(t)
	pair := f.createPair(t, "ETH", "USDT", model.StatusCreated)

	rec := f.do(http.MethodPost, "/currency_pairs/"+pair.UUID+"/start")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.repo.Read(pair.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, stored.Status)
	assert.True(t, f.coll.IsCollecting(pair))

	// Starting an already collecting pair is forbidden.
	rec = f.do(http.MethodPost, "/currency_pairs/"+pair.UUID+"/start")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartArchivedCurrencyPair(t *testing.T) {
	f := newFixture(t)
	pair := f.createPair(t, "ETH", "USDT", model.StatusArchived)

	rec := f.do(http.MethodPost, "/currency_pairs/"+pair.UUID+"/start")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStopCurrencyPair(t *testing.T) {
	f := newFixture(t)
	pair := f.createPair(t, "ETH", "USDT", model.StatusActive)

	rec := f.do(http.MethodPost, "/currency_pairs/"+pair.UUID+"/stop")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := f.repo.Read(pair.UUID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, stored.Status)

	// Stopping a pair that is not collecting is forbidden.
	rec = f.do(http.MethodPost, "/currency_pairs/"+pair.UUID+"/stop")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStopUnknownCurrencyPair(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/currency_pairs/5f8a1c0e-0000-4000-8000-000000000000/stop")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
