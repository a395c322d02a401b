// Package app implements the operations behind the HTTP control surface:
// engine status bookkeeping and the manual activate/deactivate lifecycle
// transitions. It couples to the pair manager exclusively through its
// observables.
package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinlake/binance-collector/internal/logging"
	"github.com/coinlake/binance-collector/internal/model"
	"github.com/coinlake/binance-collector/internal/repository"
	"github.com/coinlake/binance-collector/internal/rx"
)

// ErrIllegalTransition is returned when a start or stop request is not
// allowed in the pair's current state.
var ErrIllegalTransition = errors.New("app: illegal state transition")

// Collector is the slice of the data collector the control surface
// drives.
type Collector interface {
	AddCurrencyPair(pair *model.CurrencyPair) error
	RemoveCurrencyPair(pair *model.CurrencyPair) error
	IsCollecting(pair *model.CurrencyPair) bool
}

// Service backs the HTTP control surface.
type Service struct {
	repo      repository.CurrencyPairRepository
	collector Collector
	pairs     *rx.Observable[[]*model.CurrencyPair]
	changes   *rx.Observable[model.CurrencyPairChange]
	logger    zerolog.Logger

	mu           sync.Mutex
	lastUpdateAt *time.Time
	lastChangeAt *time.Time
	lastChange   *model.CurrencyPairChange

	subscriptions []*rx.Subscription
}

// NewService creates the service around the repository, the collector,
// and the manager's observables.
func NewService(repo repository.CurrencyPairRepository, collector Collector, pairs *rx.Observable[[]*model.CurrencyPair], changes *rx.Observable[model.CurrencyPairChange]) *Service {
	return &Service{
		repo:      repo,
		collector: collector,
		pairs:     pairs,
		changes:   changes,
		logger:    logging.WithComponent("app"),
	}
}

// Start subscribes to the manager's observables.
func (s *Service) Start() {
	s.subscriptions = append(s.subscriptions,
		s.pairs.Subscribe(rx.Observer[[]*model.CurrencyPair]{Next: s.handlePairs}),
		s.changes.Subscribe(rx.Observer[model.CurrencyPairChange]{Next: s.handleChange}),
	)
}

// Stop unsubscribes from the manager's observables.
func (s *Service) Stop() {
	for _, sub := range s.subscriptions {
		sub.Unsubscribe()
	}
}

func (s *Service) handlePairs(pairs []*model.CurrencyPair) {
	// The manager's behavior subject replays its nil seed until the
	// manager has started; that is not an update.
	if pairs == nil {
		return
	}

	now := time.Now()

	s.mu.Lock()
	s.lastUpdateAt = &now
	s.mu.Unlock()
}

func (s *Service) handleChange(change model.CurrencyPairChange) {
	now := time.Now()

	s.mu.Lock()
	s.lastChangeAt = &now
	s.lastChange = &change
	s.mu.Unlock()

	s.logger.Info().Int("added", len(change.Added)).Int("removed", len(change.Removed)).
		Msg("Currency pair catalogue changed")
}

// LastUpdateAt returns when the service last received a pair set from
// the manager, if ever.
func (s *Service) LastUpdateAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdateAt
}

// LastChangeAt returns when the catalogue last changed, if ever.
func (s *Service) LastChangeAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChangeAt
}

// LastChange returns the most recent catalogue diff, if any.
func (s *Service) LastChange() *model.CurrencyPairChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChange
}

// Pairs lists pairs matching the query; a nil query lists all.
func (s *Service) Pairs(query *repository.Query) []*model.CurrencyPair {
	return s.repo.Find(query)
}

// Pair returns the pair under uuid or repository.ErrEntityNotFound.
func (s *Service) Pair(uuid string) (*model.CurrencyPair, error) {
	return s.repo.Read(uuid)
}

// IsActive reports whether the pair is currently being collected.
func (s *Service) IsActive(pair *model.CurrencyPair) bool {
	return s.collector.IsCollecting(pair)
}

// Activate transitions the pair to ACTIVE and starts collecting it.
// Archived pairs and pairs already collecting cannot be activated.
func (s *Service) Activate(uuid string) error {
	pair, err := s.repo.Read(uuid)
	if err != nil {
		return err
	}

	switch pair.Status {
	case model.StatusArchived:
		return fmt.Errorf("%w: currency pair %s is archived", ErrIllegalTransition, pair.Upper("/"))
	case model.StatusActive, model.StatusIdle:
		return fmt.Errorf("%w: currency pair %s is already activated", ErrIllegalTransition, pair.Upper("/"))
	}

	pair.Status = model.StatusActive
	if _, err := s.repo.Update(uuid, pair); err != nil {
		return err
	}
	return s.collector.AddCurrencyPair(pair)
}

// Deactivate transitions the pair to STOPPED and ends its collection.
// Only pairs currently ACTIVE or IDLE can be deactivated.
func (s *Service) Deactivate(uuid string) error {
	pair, err := s.repo.Read(uuid)
	if err != nil {
		return err
	}

	if pair.Status == model.StatusArchived {
		return fmt.Errorf("%w: currency pair %s is archived", ErrIllegalTransition, pair.Upper("/"))
	}
	if pair.Status != model.StatusActive && pair.Status != model.StatusIdle {
		return fmt.Errorf("%w: currency pair %s is not activated", ErrIllegalTransition, pair.Upper("/"))
	}

	pair.Status = model.StatusStopped
	if _, err := s.repo.Update(uuid, pair); err != nil {
		return err
	}
	return s.collector.RemoveCurrencyPair(pair)
}
