// Package collector owns the exchange connection and routes incoming
// stream traffic into the file writer pool. It tracks which currency
// pairs are being collected and correlates SUBSCRIBE/UNSUBSCRIBE requests
// with their acknowledgements; a pair only counts as tracked once the
// exchange has acknowledged its subscription.
package collector

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/binance"
	"github.com/coinlake/binance-collector/internal/datafile"
	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/model"
	"github.com/coinlake/binance-collector/internal/rx"
	"github.com/coinlake/binance-collector/internal/ws"
)

// ErrNotConnected is returned for operations that need a connection
// before Start has created one.
var ErrNotConnected = errors.New("collector: not connected yet")

// Connection is the transport contract the collector drives. Satisfied by
// *ws.Conn. The connection is handed over unstarted so observers can
// subscribe before the first Connected event can fire.
type Connection interface {
	Start()
	Messages() *rx.Observable[ws.Message]
	Events() *rx.Observable[ws.Event]
	SendMessage(v any)
	Close()
}

// controlRequest is the subscribe/unsubscribe wire frame.
type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

// pairInfo is the in-memory subscription record of one tracked pair.
type pairInfo struct {
	pair          *model.CurrencyPair
	lastMessageAt time.Time
}

// DataCollector multiplexes pair subscriptions over one connection and
// appends every received message to the matching data file.
type DataCollector struct {
	logger zerolog.Logger
	files  *datafile.Manager

	// dial is the transport factory; a seam for tests.
	dial func(url string) Connection

	mu          sync.Mutex
	defaultInfo pairInfo
	pairs       map[string]*pairInfo
	// queued holds pairs added while the connection is not up; they are
	// subscribed as soon as the connection reports up.
	queued             map[string]*model.CurrencyPair
	nextID             uint64
	pendingSubscribe   map[uint64]*model.CurrencyPair
	pendingUnsubscribe map[uint64]*model.CurrencyPair
	conn               Connection
	connected          bool
	snapshotHook       func()

	subscriptions []*rx.Subscription
}

// New creates a collector around the default pair. The default pair is
// part of the bootstrap URL, is never subscribed or unsubscribed
// explicitly, and cannot be removed.
func New(defaultPair *model.CurrencyPair, files *datafile.Manager) *DataCollector {
	return &DataCollector{
		logger:             logging.WithComponent("collector"),
		files:              files,
		dial:               func(url string) Connection { return ws.New(url) },
		defaultInfo:        pairInfo{pair: defaultPair},
		pairs:              make(map[string]*pairInfo),
		queued:             make(map[string]*model.CurrencyPair),
		nextID:             1,
		pendingSubscribe:   make(map[uint64]*model.CurrencyPair),
		pendingUnsubscribe: make(map[uint64]*model.CurrencyPair),
	}
}

// Start opens the connection with the default pair's streams as bootstrap
// and wires the message and event observers.
func (d *DataCollector) Start() {
	symbol := d.defaultInfo.pair.Symbol()
	url := binance.StreamURL(binance.DepthStream(symbol), binance.TradeStream(symbol))

	conn := d.dial(url)

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	d.subscriptions = append(d.subscriptions,
		conn.Messages().Subscribe(rx.Observer[ws.Message]{Next: d.handleMessage}),
		conn.Events().Subscribe(rx.Observer[ws.Event]{Next: d.handleEvent}),
	)

	// Dial only after the observers are wired so the first Connected
	// event cannot slip past them.
	conn.Start()
}

// Connected reports whether the transport is currently live.
func (d *DataCollector) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// subscribeSymbol sends a SUBSCRIBE for both channels of symbol using the
// current correlation id and advances it. Callers must hold the mutex.
func (d *DataCollector) subscribeSymbol(symbol string) {
	d.conn.SendMessage(controlRequest{
		Method: "SUBSCRIBE",
		Params: []string{binance.TradeStream(symbol), binance.DepthStream(symbol)},
		ID:     d.nextID,
	})
	d.nextID++
}

// unsubscribeSymbol is the UNSUBSCRIBE counterpart of subscribeSymbol.
func (d *DataCollector) unsubscribeSymbol(symbol string) {
	d.conn.SendMessage(controlRequest{
		Method: "UNSUBSCRIBE",
		Params: []string{binance.TradeStream(symbol), binance.DepthStream(symbol)},
		ID:     d.nextID,
	})
	d.nextID++
}

// AddCurrencyPair requests collection of pair. Adding the default pair is
// a no-op. While the connection is not up (before the first CONNECTED or
// after a DISCONNECTED) the pair is queued and subscribed once the
// connection reports up; otherwise a SUBSCRIBE is sent and the pair
// becomes tracked on its acknowledgement.
func (d *DataCollector) AddCurrencyPair(pair *model.CurrencyPair) error {
	if pair.SamePair(d.defaultInfo.pair) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return ErrNotConnected
	}

	if !d.connected {
		d.queued[pair.Symbol()] = pair
		return nil
	}

	d.pendingSubscribe[d.nextID] = pair
	d.subscribeSymbol(pair.Symbol())
	return nil
}

// RemoveCurrencyPair requests the end of collection for pair. Removing
// the default pair is a no-op. The pair stays tracked until the exchange
// acknowledges the UNSUBSCRIBE, at which point its data files are closed.
func (d *DataCollector) RemoveCurrencyPair(pair *model.CurrencyPair) error {
	if pair.SamePair(d.defaultInfo.pair) {
		d.logger.Info().Msg("Cannot remove default currency pair")
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return ErrNotConnected
	}

	if _, ok := d.queued[pair.Symbol()]; ok {
		delete(d.queued, pair.Symbol())
		return nil
	}

	d.pendingUnsubscribe[d.nextID] = pair
	d.unsubscribeSymbol(pair.Symbol())
	return nil
}

// IsCollecting reports whether pair is the default pair or currently
// tracked.
func (d *DataCollector) IsCollecting(pair *model.CurrencyPair) bool {
	if pair.SamePair(d.defaultInfo.pair) {
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pairs[pair.Symbol()]
	return ok
}

// LastMessageAt returns the receive time of the newest message for pair,
// or nil when no message has arrived or the pair is unknown.
func (d *DataCollector) LastMessageAt(pair *model.CurrencyPair) *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := &d.defaultInfo
	if !pair.SamePair(d.defaultInfo.pair) {
		var ok bool
		if info, ok = d.pairs[pair.Symbol()]; !ok {
			return nil
		}
	}

	if info.lastMessageAt.IsZero() {
		return nil
	}
	ts := info.lastMessageAt
	return &ts
}

// SetSnapshotHook installs the function invoked by CreateSnapshot. The
// engine itself has no snapshot logic; external snapshotters plug in
// here.
func (d *DataCollector) SetSnapshotHook(hook func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshotHook = hook
}

// CreateSnapshot invokes the snapshot hook if one is installed.
func (d *DataCollector) CreateSnapshot() {
	d.mu.Lock()
	hook := d.snapshotHook
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
}

// handleMessage routes one data frame into the file pool and refreshes
// the pair's last-message timestamp. Failures are logged and swallowed;
// a broken disk must not tear down the connection.
func (d *DataCollector) handleMessage(message ws.Message) {
	d.mu.Lock()
	var pair *model.CurrencyPair
	if message.Symbol == d.defaultInfo.pair.Symbol() {
		d.defaultInfo.lastMessageAt = time.Now()
		pair = d.defaultInfo.pair
	} else if info, ok := d.pairs[message.Symbol]; ok {
		info.lastMessageAt = time.Now()
		pair = info.pair
	}
	d.mu.Unlock()

	if pair == nil {
		d.logger.Warn().Str("symbol", message.Symbol).Msg("Message for unknown symbol")
		return
	}

	name := strings.SplitN(message.Channel, "@", 2)[0]

	file, err := d.files.GetFile(pair, name)
	if err != nil {
		d.logger.Error().Err(err).Str("symbol", message.Symbol).Str("channel", name).
			Msg("Could not open data file")
		return
	}
	if err := file.WriteData(message.Data); err != nil {
		d.logger.Error().Err(err).Str("symbol", message.Symbol).Str("channel", name).
			Msg("Could not save message")
	}
}

// handleEvent reacts to connection state changes and control
// acknowledgements.
func (d *DataCollector) handleEvent(event ws.Event) {
	switch event.Type {
	case ws.Connected:
		d.handleConnected()
	case ws.Disconnected:
		d.mu.Lock()
		d.connected = false
		d.mu.Unlock()
	case ws.ControlMessage:
		d.handleControlMessage(event.Context.ID)
	}
}

// handleConnected (re)subscribes every tracked and queued non-default
// pair with fresh correlation ids. Pending entries from a previous
// connection are cleared first; their acknowledgements will never arrive.
func (d *DataCollector) handleConnected() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connected = true
	clear(d.pendingSubscribe)
	clear(d.pendingUnsubscribe)

	for _, info := range d.pairs {
		d.pendingSubscribe[d.nextID] = info.pair
		d.subscribeSymbol(info.pair.Symbol())
	}
	for symbol, pair := range d.queued {
		d.pendingSubscribe[d.nextID] = pair
		d.subscribeSymbol(pair.Symbol())
		delete(d.queued, symbol)
	}
}

// handleControlMessage resolves a pending subscribe or unsubscribe by its
// correlation id. Unknown ids are logged and dropped.
func (d *DataCollector) handleControlMessage(id uint64) {
	d.mu.Lock()

	if pair, ok := d.pendingSubscribe[id]; ok {
		delete(d.pendingSubscribe, id)
		if _, tracked := d.pairs[pair.Symbol()]; !tracked {
			d.pairs[pair.Symbol()] = &pairInfo{pair: pair}
		}
		d.mu.Unlock()
		return
	}

	if pair, ok := d.pendingUnsubscribe[id]; ok {
		delete(d.pendingUnsubscribe, id)
		delete(d.pairs, pair.Symbol())
		d.mu.Unlock()

		d.files.CloseFile(pair, "trade")
		d.files.CloseFile(pair, "depth")
		return
	}

	d.mu.Unlock()
	d.logger.Debug().Uint64("id", id).Msg("Control message for unknown id")
}

// Shutdown unsubscribes the observers and closes the connection.
func (d *DataCollector) Shutdown() {
	for _, sub := range d.subscriptions {
		sub.Unsubscribe()
	}

	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
