// Package rx provides the small in-process pub/sub primitive that couples
// the engine's components: a typed Subject that multicasts values to
// registered observers, a read-only Observable view, and an explicit
// Subscription teardown handle.
//
// Delivery is synchronous on the emitting goroutine. The observer set is
// snapshotted before each emission so observers may unsubscribe (themselves
// or others) while a delivery is in flight; an observer unsubscribed before
// the emission reaches it is skipped.
package rx

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrSubjectCompleted is returned when emitting on a subject that has
// already been completed or errored. This indicates a programming error
// in the emitter.
var ErrSubjectCompleted = errors.New("rx: subject already completed")

// Observer bundles the optional callbacks of a subscriber. Nil callbacks
// are simply not invoked.
type Observer[T any] struct {
	Next     func(T)
	Error    func(error)
	Complete func()
}

// Subscription is the teardown handle returned by Subscribe. Unsubscribe
// is idempotent and safe to call from observer callbacks.
type Subscription struct {
	once          sync.Once
	onUnsubscribe func()
}

// Unsubscribe removes the observer from its subject. Further emissions
// skip the observer, including an emission currently in flight that has
// not yet reached it.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.onUnsubscribe != nil {
			s.onUnsubscribe()
		}
	})
}

// Observable is the subscribe-only view of a value sequence.
type Observable[T any] struct {
	onSubscribe func(Observer[T]) *Subscription
}

// NewObservable wraps a subscribe function. A nil function yields an
// observable whose subscriptions are inert.
func NewObservable[T any](onSubscribe func(Observer[T]) *Subscription) *Observable[T] {
	return &Observable[T]{onSubscribe: onSubscribe}
}

// Subscribe registers the observer. Subscribing the same observer twice
// yields two independent subscriptions.
func (o *Observable[T]) Subscribe(observer Observer[T]) *Subscription {
	if o.onSubscribe == nil {
		return &Subscription{}
	}
	return o.onSubscribe(observer)
}

// entry pairs an observer with its registration key. Entries live in a
// slice so delivery follows registration order.
type entry[T any] struct {
	key      uint64
	observer Observer[T]
}

// Subject is an Observable that multicasts every emitted value to all
// current observers.
type Subject[T any] struct {
	mu        sync.Mutex
	nextKey   uint64
	observers []entry[T]
	completed bool
}

// NewSubject creates an empty subject.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// AsObservable exposes the subject as a subscribe-only view.
func (s *Subject[T]) AsObservable() *Observable[T] {
	return &Observable[T]{onSubscribe: s.Subscribe}
}

// Subscribe registers an observer and returns its teardown handle.
func (s *Subject[T]) Subscribe(observer Observer[T]) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.nextKey
	s.nextKey++
	s.observers = append(s.observers, entry[T]{key: key, observer: observer})

	return &Subscription{onUnsubscribe: func() { s.remove(key) }}
}

func (s *Subject[T]) remove(key uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.observers {
		if e.key == key {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// subscribed reports whether the given registration is still present.
func (s *Subject[T]) subscribed(key uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.observers {
		if e.key == key {
			return true
		}
	}
	return false
}

// snapshot copies the current observer set under the lock.
func (s *Subject[T]) snapshot() ([]entry[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return nil, ErrSubjectCompleted
	}
	return append([]entry[T](nil), s.observers...), nil
}

// Next delivers v synchronously to every current observer in registration
// order. A panicking callback is logged and swallowed so later observers
// still receive the value.
func (s *Subject[T]) Next(v T) error {
	snapshot, err := s.snapshot()
	if err != nil {
		return err
	}

	for _, e := range snapshot {
		if e.observer.Next == nil || !s.subscribed(e.key) {
			continue
		}
		invoke(func() { e.observer.Next(v) })
	}
	return nil
}

// Error delivers err to every current observer and marks the subject
// terminal.
func (s *Subject[T]) Error(err error) error {
	snapshot, snapErr := s.snapshot()
	if snapErr != nil {
		return snapErr
	}

	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.observer.Error == nil || !s.subscribed(e.key) {
			continue
		}
		invoke(func() { e.observer.Error(err) })
	}
	return nil
}

// Complete marks the subject terminal and notifies every current observer.
func (s *Subject[T]) Complete() error {
	snapshot, err := s.snapshot()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.completed = true
	s.mu.Unlock()

	for _, e := range snapshot {
		if e.observer.Complete == nil || !s.subscribed(e.key) {
			continue
		}
		invoke(func() { e.observer.Complete() })
	}
	return nil
}

// Observed reports whether any observers are currently registered.
func (s *Subject[T]) Observed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers) > 0
}

// invoke runs an observer callback, logging and swallowing panics so one
// broken observer cannot short-circuit delivery to the rest.
func invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Observer callback panicked")
		}
	}()
	fn()
}

// BehaviorSubject is a Subject that retains the last emitted value and
// replays it synchronously to new subscribers.
type BehaviorSubject[T any] struct {
	Subject[T]

	valueMu sync.Mutex
	value   T
}

// NewBehaviorSubject creates a behavior subject seeded with value.
func NewBehaviorSubject[T any](value T) *BehaviorSubject[T] {
	return &BehaviorSubject[T]{value: value}
}

// Value returns the retained value.
func (s *BehaviorSubject[T]) Value() T {
	s.valueMu.Lock()
	defer s.valueMu.Unlock()
	return s.value
}

// Next stores v as the retained value and multicasts it.
func (s *BehaviorSubject[T]) Next(v T) error {
	s.valueMu.Lock()
	s.value = v
	s.valueMu.Unlock()

	return s.Subject.Next(v)
}

// Subscribe replays the retained value to the new observer, then
// registers it for subsequent emissions.
func (s *BehaviorSubject[T]) Subscribe(observer Observer[T]) *Subscription {
	if observer.Next != nil {
		invoke(func() { observer.Next(s.Value()) })
	}
	return s.Subject.Subscribe(observer)
}

// AsObservable exposes the behavior subject as a subscribe-only view.
// The override keeps the replay-on-subscribe behavior.
func (s *BehaviorSubject[T]) AsObservable() *Observable[T] {
	return &Observable[T]{onSubscribe: s.Subscribe}
}
