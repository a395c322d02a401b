// Package manager runs the periodic reconciliation of locally tracked
// currency pairs against the exchange catalogue. It owns the pair
// lifecycle: newly listed pairs are persisted, delisted pairs are
// archived and removed from collection, silent pairs are marked idle,
// and returning pairs are restored.
package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/model"
	"github.com/coinlake/binance-collector/internal/repository"
	"github.com/coinlake/binance-collector/internal/rx"
)

const (
	// tickInterval is the base period of the worker loop; the refresh and
	// snapshot jobs run on multiples of it.
	tickInterval = 5 * time.Second

	// refreshPeriod is how often the exchange catalogue is queried.
	refreshPeriod = 60 * time.Second

	// idleThreshold marks a pair idle when its newest message is older.
	idleThreshold = 5 * time.Minute

	catalogueTimeout = 30 * time.Second
)

// Catalogue queries the exchange for its currently listed pairs.
// Satisfied by *binance.Client.
type Catalogue interface {
	CurrencyPairs(ctx context.Context) ([]*model.CurrencyPair, error)
}

// Collector is the slice of the data collector the manager drives.
type Collector interface {
	AddCurrencyPair(pair *model.CurrencyPair) error
	RemoveCurrencyPair(pair *model.CurrencyPair) error
	LastMessageAt(pair *model.CurrencyPair) *time.Time
	CreateSnapshot()
}

// Manager is the periodic reconciliation worker.
type Manager struct {
	catalogue      Catalogue
	repo           repository.CurrencyPairRepository
	collector      Collector
	snapshotPeriod time.Duration
	logger         zerolog.Logger

	// now is the clock seam for tests.
	now func() time.Time

	// mu guards the pair cache. The cache exists so the 60s refresh does
	// not re-query the repository; symbol keys give O(1) lookups.
	mu    sync.Mutex
	pairs map[string]*model.CurrencyPair

	pairsSubject *rx.BehaviorSubject[[]*model.CurrencyPair]
	changes      *rx.Subject[model.CurrencyPairChange]

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a manager. snapshotPeriod drives the snapshot hook on the
// collector; it is rounded down to a whole number of ticks, with a
// minimum of one tick.
func New(catalogue Catalogue, repo repository.CurrencyPairRepository, collector Collector, snapshotPeriod time.Duration) *Manager {
	return &Manager{
		catalogue:      catalogue,
		repo:           repo,
		collector:      collector,
		snapshotPeriod: snapshotPeriod,
		logger:         logging.WithComponent("manager"),
		now:            time.Now,
		pairs:          make(map[string]*model.CurrencyPair),
		pairsSubject:   rx.NewBehaviorSubject[[]*model.CurrencyPair](nil),
		changes:        rx.NewSubject[model.CurrencyPairChange](),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Pairs is the observable of the full pair set, emitted by Start with
// the set loaded from the repository and again after every refresh that
// reached the catalogue. New subscribers receive the current set
// immediately.
func (m *Manager) Pairs() *rx.Observable[[]*model.CurrencyPair] {
	return m.pairsSubject.AsObservable()
}

// Changes is the observable of catalogue diffs; it only emits when a
// refresh detected added or removed pairs.
func (m *Manager) Changes() *rx.Observable[model.CurrencyPairChange] {
	return m.changes.AsObservable()
}

// Start primes the cache from the repository, reinstates collection for
// every pair that was ACTIVE or IDLE in the previous run, and launches
// the worker loop.
func (m *Manager) Start() {
	m.mu.Lock()
	for _, pair := range m.repo.Find(nil) {
		m.pairs[pair.Symbol()] = pair
	}
	active := make([]*model.CurrencyPair, 0)
	for _, pair := range m.pairs {
		if pair.Status == model.StatusActive || pair.Status == model.StatusIdle {
			active = append(active, pair)
		}
	}
	m.mu.Unlock()

	for _, pair := range active {
		if err := m.collector.AddCurrencyPair(pair); err != nil {
			m.logger.Error().Err(err).Str("symbol", pair.Symbol()).
				Msg("Could not reinstate currency pair")
		}
	}

	m.pairsSubject.Next(m.snapshotPairs())

	go m.run()
}

// Stop flips the stop flag and joins the worker loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	<-m.done
}

// run is the 5-second tick loop. Two counters schedule the refresh and
// snapshot jobs; both fire on the first tick. Counters reset after every
// attempt, including failed ones.
func (m *Manager) run() {
	defer close(m.done)

	refreshStart := int(refreshPeriod / tickInterval)
	snapshotStart := int(m.snapshotPeriod / tickInterval)
	if snapshotStart < 1 {
		snapshotStart = 1
	}

	refreshCounter := 0
	snapshotCounter := 0

	m.logger.Info().Msg("Currency pair manager started")

	for {
		if refreshCounter <= 0 {
			m.refresh()
			refreshCounter = refreshStart
		}
		if snapshotCounter <= 0 {
			m.collector.CreateSnapshot()
			snapshotCounter = snapshotStart
		}

		refreshCounter--
		snapshotCounter--

		select {
		case <-m.stopCh:
			m.logger.Info().Msg("Currency pair manager stopped")
			return
		case <-time.After(tickInterval):
		}
	}
}

// isIdle reports whether the pair's newest message is older than the idle
// threshold. Pairs that never received a message are not idle.
func (m *Manager) isIdle(pair *model.CurrencyPair) bool {
	last := m.collector.LastMessageAt(pair)
	if last == nil {
		return false
	}
	return last.Before(m.now().Add(-idleThreshold))
}

// refresh performs one reconciliation cycle against the catalogue.
// Catalogue errors skip the cycle; the period is not tightened on
// failure.
func (m *Manager) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), catalogueTimeout)
	defer cancel()

	listed, err := m.catalogue.CurrencyPairs(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Could not query currency pairs")
		return
	}

	incoming := make(map[string]*model.CurrencyPair, len(listed))
	for _, pair := range listed {
		incoming[pair.Symbol()] = pair
	}

	var change model.CurrencyPairChange

	m.mu.Lock()
	for symbol, cached := range m.pairs {
		if _, ok := incoming[symbol]; !ok {
			if cached.Status == model.StatusArchived {
				continue
			}
			cached.Status = model.StatusArchived
			m.persist(cached)
			if err := m.collector.RemoveCurrencyPair(cached); err != nil {
				m.logger.Error().Err(err).Str("symbol", symbol).
					Msg("Could not remove archived currency pair")
			}
			change.Removed = append(change.Removed, cached)
			continue
		}

		switch {
		case cached.Status == model.StatusActive && m.isIdle(cached):
			cached.Status = model.StatusIdle
			m.persist(cached)
		case cached.Status == model.StatusIdle && !m.isIdle(cached):
			cached.Status = model.StatusActive
			m.persist(cached)
		}
	}

	for symbol, fresh := range incoming {
		cached, ok := m.pairs[symbol]
		if !ok {
			if _, err := m.repo.Create(fresh); err != nil {
				m.logger.Error().Err(err).Str("symbol", symbol).
					Msg("Could not persist new currency pair")
				continue
			}
			m.pairs[symbol] = fresh
			change.Added = append(change.Added, fresh)
			continue
		}
		if cached.Status == model.StatusArchived {
			cached.Status = model.StatusRestored
			m.persist(cached)
		}
	}
	m.mu.Unlock()

	m.pairsSubject.Next(m.snapshotPairs())
	if !change.Empty() {
		m.changes.Next(change)
	}
}

// persist updates the pair in the repository, logging failures. Callers
// hold the cache mutex; the repository has its own.
func (m *Manager) persist(pair *model.CurrencyPair) {
	if _, err := m.repo.Update(pair.UUID, pair); err != nil {
		if errors.Is(err, repository.ErrEntityNotFound) {
			m.logger.Warn().Str("uuid", pair.UUID).Msg("Cached pair missing from repository")
			return
		}
		m.logger.Error().Err(err).Str("uuid", pair.UUID).Msg("Could not update currency pair")
	}
}

// snapshotPairs copies the current cache values.
func (m *Manager) snapshotPairs() []*model.CurrencyPair {
	m.mu.Lock()
	defer m.mu.Unlock()

	pairs := make([]*model.CurrencyPair, 0, len(m.pairs))
	for _, pair := range m.pairs {
		pairs = append(pairs, pair)
	}
	return pairs
}
