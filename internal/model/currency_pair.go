// Package model defines the domain entities shared across the engine:
// currency pairs, their lifecycle status, and catalogue change sets.
package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a currency pair.
type Status string

const (
	// StatusCreated marks a pair first seen in the exchange catalogue and
	// not yet collected.
	StatusCreated Status = "CREATED"

	// StatusActive marks a pair whose streams are being collected.
	StatusActive Status = "ACTIVE"

	// StatusIdle marks an active pair with no message inside the idle
	// threshold.
	StatusIdle Status = "IDLE"

	// StatusStopped marks a pair deactivated through the control surface.
	StatusStopped Status = "STOPPED"

	// StatusRestored marks an archived pair that reappeared in the
	// catalogue.
	StatusRestored Status = "RESTORED"

	// StatusArchived marks a pair no longer listed in the catalogue.
	StatusArchived Status = "ARCHIVED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusIdle, StatusStopped, StatusRestored, StatusArchived:
		return true
	}
	return false
}

// CurrencyPair compares the value of the base currency (first) against
// the quote currency (second), e.g. BTC/USDT. The UUID is assigned on
// creation and immutable; (base, quote) identifies the pair on the
// exchange side.
type CurrencyPair struct {
	UUID      string    `json:"uuid"`
	Base      string    `json:"base"`
	Quote     string    `json:"quote"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCurrencyPair creates a pair with a fresh v4 UUID in state CREATED.
// Asset codes are stored uppercase.
func NewCurrencyPair(base, quote string) *CurrencyPair {
	now := time.Now()
	return &CurrencyPair{
		UUID:      uuid.NewString(),
		Base:      strings.ToUpper(base),
		Quote:     strings.ToUpper(quote),
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Upper renders the pair uppercase with the given separator, e.g.
// "BTC_USDT".
func (p *CurrencyPair) Upper(separator string) string {
	return strings.ToUpper(p.Base) + separator + strings.ToUpper(p.Quote)
}

// Lower renders the pair lowercase with the given separator, e.g.
// "btc_usdt".
func (p *CurrencyPair) Lower(separator string) string {
	return strings.ToLower(p.Base) + separator + strings.ToLower(p.Quote)
}

// Symbol is the exchange-side identifier: the lowercase concatenation of
// base and quote, e.g. "btcusdt".
func (p *CurrencyPair) Symbol() string {
	return p.Lower("")
}

// SamePair reports whether both pairs name the same (base, quote) tuple,
// regardless of identity or status.
func (p *CurrencyPair) SamePair(other *CurrencyPair) bool {
	if other == nil {
		return false
	}
	return strings.EqualFold(p.Base, other.Base) && strings.EqualFold(p.Quote, other.Quote)
}

// CurrencyPairChange is the diff emitted when a catalogue refresh detects
// pairs entering or leaving the exchange.
type CurrencyPairChange struct {
	Added   []*CurrencyPair `json:"added"`
	Removed []*CurrencyPair `json:"removed"`
}

// Empty reports whether the change carries no pairs.
func (c *CurrencyPairChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}
