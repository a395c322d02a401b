// Package repository provides the durable currency pair store: an
// in-memory uuid → pair mapping mirrored to a single JSON file on every
// mutation. The file is the authoritative checkpoint across restarts.
package repository

import (
	"errors"

	"github.com/coinlake/binance-collector/internal/model"
)

var (
	// ErrEntityNotFound is returned when no pair exists under a uuid.
	ErrEntityNotFound = errors.New("repository: entity not found")

	// ErrEntityAlreadyExists is returned on uuid collisions in Create.
	ErrEntityAlreadyExists = errors.New("repository: entity already exists")
)

// Query filters Find results. Nil fields are unconstrained; present
// fields match by equality.
type Query struct {
	Base   *string
	Quote  *string
	Status *model.Status
}

// Matches reports whether the pair satisfies every present constraint.
func (q *Query) Matches(pair *model.CurrencyPair) bool {
	if q == nil {
		return true
	}
	if q.Base != nil && pair.Base != *q.Base {
		return false
	}
	if q.Quote != nil && pair.Quote != *q.Quote {
		return false
	}
	if q.Status != nil && pair.Status != *q.Status {
		return false
	}
	return true
}

// CurrencyPairRepository is the CRUD + query contract for the pair store.
type CurrencyPairRepository interface {
	// Find returns all pairs matching the query; a nil query matches all.
	Find(query *Query) []*model.CurrencyPair

	// Create stores a new pair. Fails with ErrEntityAlreadyExists when
	// the uuid is taken.
	Create(pair *model.CurrencyPair) (*model.CurrencyPair, error)

	// Read returns the pair under uuid or ErrEntityNotFound.
	Read(uuid string) (*model.CurrencyPair, error)

	// Update replaces the pair under uuid, touching its updated_at
	// timestamp. Fails with ErrEntityNotFound for unknown uuids.
	Update(uuid string, pair *model.CurrencyPair) (*model.CurrencyPair, error)

	// Delete removes the pair under uuid. Deleting an absent uuid is a
	// no-op.
	Delete(uuid string) error
}
