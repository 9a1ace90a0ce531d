// Package window keeps the most recent readings for live display.
//
// A Store has one writer (the acquisition worker) and any number of readers.
// Writes take the write lock for a single push; reads take the read lock and
// see the state as of lock acquisition only.
package window

import (
	"sync"

	"github.com/ericogr/laser-logger/pkg/sensor"
)

// Reader is the read-only view handed to consumers.
type Reader interface {
	Len() int
	Cap() int
	At(i int) (sensor.Reading, bool)
	Last() (sensor.Reading, bool)
	Snapshot() []sensor.Reading
	Range(fn func(i int, r sensor.Reading) bool)
	Points(f sensor.Field) [][2]float64
}

// Store is a bounded FIFO of readings, oldest first. It is backed by a ring
// so a push never allocates once the window is full.
type Store struct {
	mu    sync.RWMutex
	items []sensor.Reading
	head  int // index of the oldest reading
	size  int
}

var _ Reader = (*Store)(nil)

// New creates an empty store holding at most capacity readings.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{items: make([]sensor.Reading, capacity)}
}

// Push appends r, evicting the oldest reading when the store is full.
func (s *Store) Push(r sensor.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == len(s.items) {
		s.items[s.head] = r
		s.head = (s.head + 1) % len(s.items)
		return
	}
	s.items[(s.head+s.size)%len(s.items)] = r
	s.size++
}

// Reset empties the store.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.head = 0
	s.size = 0
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.size
}

func (s *Store) Cap() int {
	return len(s.items)
}

// at must be called with the lock held.
func (s *Store) at(i int) sensor.Reading {
	return s.items[(s.head+i)%len(s.items)]
}

// At returns the i-th reading, 0 being the oldest.
func (s *Store) At(i int) (sensor.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= s.size {
		return sensor.Reading{}, false
	}
	return s.at(i), true
}

// Last returns the newest reading without removing it.
func (s *Store) Last() (sensor.Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.size == 0 {
		return sensor.Reading{}, false
	}
	return s.at(s.size - 1), true
}

// Snapshot copies the window, oldest first.
func (s *Store) Snapshot() []sensor.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]sensor.Reading, s.size)
	for i := range out {
		out[i] = s.at(i)
	}
	return out
}

// Range calls fn for each reading, oldest first, while holding the read lock.
// fn must not call back into the store. Returning false stops the iteration.
func (s *Store) Range(fn func(i int, r sensor.Reading) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := 0; i < s.size; i++ {
		if !fn(i, s.at(i)) {
			return
		}
	}
}

// Points returns (index, value) pairs of the selected field for plotting.
func (s *Store) Points(f sensor.Field) [][2]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([][2]float64, s.size)
	for i := range out {
		out[i] = [2]float64{float64(i), s.at(i).Value(f)}
	}
	return out
}
