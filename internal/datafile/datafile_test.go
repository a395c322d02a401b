package datafile

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinlake/binance-collector/internal/model"
)

// readLines decompresses the file at path and decodes every JSON line.
func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	defer gz.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		lines = append(lines, decoded)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestWriteDataRoundTrip(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "{name}_{ts}.json.gz")
	pair := model.NewCurrencyPair("BTC", "USDT")

	file, err := m.GetFile(pair, "trade")
	require.NoError(t, err)

	first := map[string]any{"stream": "btcusdt@trade", "data": map[string]any{"p": "42000.01"}}
	second := map[string]any{"stream": "btcusdt@trade", "data": map[string]any{"p": "42000.02"}}
	require.NoError(t, file.WriteData(first))
	require.NoError(t, file.WriteData(second))

	m.CloseFile(pair, "trade")

	lines := readLines(t, file.Path())
	require.Len(t, lines, 2)
	assert.Equal(t, first, lines[0])
	assert.Equal(t, second, lines[1])
}

func TestGetFileReusesHandle(t *testing.T) {
	m := NewManager(t.TempDir(), "{name}_{ts}.json.gz")
	pair := model.NewCurrencyPair("BTC", "USDT")

	first, err := m.GetFile(pair, "trade")
	require.NoError(t, err)
	second, err := m.GetFile(pair, "trade")
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestPathLayout(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "{name}_{ts}.json.gz")
	m.now = func() time.Time { return time.Date(2024, 3, 14, 12, 0, 0, 0, time.Local) }

	pair := model.NewCurrencyPair("ETH", "USDT")
	file, err := m.GetFile(pair, "depth")
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, filepath.Join(root, "ethusdt", "depth_2024-03-14.json.gz"), file.Path())
}

func TestDayRollover(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "{name}_{ts}.json.gz")
	pair := model.NewCurrencyPair("BTC", "USDT")

	current := time.Date(2024, 3, 14, 23, 59, 59, 0, time.Local)
	m.now = func() time.Time { return current }

	file, err := m.GetFile(pair, "trade")
	require.NoError(t, err)
	require.NoError(t, file.WriteData(map[string]any{"n": float64(1)}))

	current = time.Date(2024, 3, 15, 0, 0, 1, 0, time.Local)

	rolled, err := m.GetFile(pair, "trade")
	require.NoError(t, err)
	require.NotSame(t, file, rolled)
	require.NoError(t, rolled.WriteData(map[string]any{"n": float64(2)}))

	// The previous handle is closed; writes to it must fail.
	assert.Error(t, file.WriteData(map[string]any{"n": float64(3)}))

	m.Close()

	oldLines := readLines(t, filepath.Join(root, "btcusdt", "trade_2024-03-14.json.gz"))
	require.Len(t, oldLines, 1)
	assert.Equal(t, float64(1), oldLines[0]["n"])

	newLines := readLines(t, filepath.Join(root, "btcusdt", "trade_2024-03-15.json.gz"))
	require.Len(t, newLines, 1)
	assert.Equal(t, float64(2), newLines[0]["n"])
}

func TestCloseFileIdempotent(t *testing.T) {
	m := NewManager(t.TempDir(), "{name}_{ts}.json.gz")
	pair := model.NewCurrencyPair("BTC", "USDT")

	_, err := m.GetFile(pair, "trade")
	require.NoError(t, err)

	m.CloseFile(pair, "trade")
	m.CloseFile(pair, "trade")
	m.CloseFile(pair, "depth")
}

func TestCloseClosesAllHandles(t *testing.T) {
	m := NewManager(t.TempDir(), "{name}_{ts}.json.gz")
	btc := model.NewCurrencyPair("BTC", "USDT")
	eth := model.NewCurrencyPair("ETH", "USDT")

	trade, err := m.GetFile(btc, "trade")
	require.NoError(t, err)
	depth, err := m.GetFile(eth, "depth")
	require.NoError(t, err)

	m.Close()

	assert.Error(t, trade.WriteData(map[string]any{}))
	assert.Error(t, depth.WriteData(map[string]any{}))
}

func TestCustomPattern(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root, "{ts}-{name}.ndjson.gz")
	m.now = func() time.Time { return time.Date(2024, 1, 2, 3, 0, 0, 0, time.Local) }

	pair := model.NewCurrencyPair("BTC", "USDT")
	file, err := m.GetFile(pair, "trade")
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, filepath.Join(root, "btcusdt", "2024-01-02-trade.ndjson.gz"), file.Path())
}
