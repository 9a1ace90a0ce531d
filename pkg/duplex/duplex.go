// Package duplex provides a matched pair of message endpoints. Each endpoint
// sends one message type and receives the other over an unbounded FIFO queue.
package duplex

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPeerGone is returned once the other endpoint has been closed.
	ErrPeerGone = errors.New("duplex: peer gone")
	// ErrEmpty is returned by TryRecv when nothing is queued.
	ErrEmpty = errors.New("duplex: empty")
)

// mailbox is one direction of the pair.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

func (m *mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) put(v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrPeerGone
	}
	m.items = append(m.items, v)
	m.signal()
	return nil
}

func (m *mailbox[T]) take() (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if len(m.items) == 0 {
		if m.closed {
			return zero, ErrPeerGone
		}
		return zero, ErrEmpty
	}
	v := m.items[0]
	m.items[0] = zero
	m.items = m.items[1:]
	if len(m.items) > 0 || m.closed {
		m.signal()
	}
	return v, nil
}

func (m *mailbox[T]) pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.items) > 0 || m.closed
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		m.signal()
	}
}

// Endpoint sends S and receives R.
type Endpoint[S, R any] struct {
	out  *mailbox[S]
	in   *mailbox[R]
	once sync.Once
}

// Pair returns two endpoints wired to each other: what a sends, b receives,
// and the other way around.
func Pair[A, B any]() (*Endpoint[A, B], *Endpoint[B, A]) {
	ab := newMailbox[A]()
	ba := newMailbox[B]()
	return &Endpoint[A, B]{out: ab, in: ba}, &Endpoint[B, A]{out: ba, in: ab}
}

// Send queues msg for the peer without blocking.
func (e *Endpoint[S, R]) Send(msg S) error {
	return e.out.put(msg)
}

// TryRecv returns the next queued message, ErrEmpty or ErrPeerGone.
func (e *Endpoint[S, R]) TryRecv() (R, error) {
	return e.in.take()
}

// Recv blocks until a message arrives, the peer is gone or ctx is done.
// Messages queued before the peer closed are still delivered.
func (e *Endpoint[S, R]) Recv(ctx context.Context) (R, error) {
	for {
		v, err := e.in.take()
		if !errors.Is(err, ErrEmpty) {
			return v, err
		}
		select {
		case <-e.in.ready:
		case <-ctx.Done():
			var zero R
			return zero, ctx.Err()
		}
	}
}

// Ready is signalled whenever the inbound queue may have something to take,
// including the peer closing. It is meant for select loops that follow up
// with TryRecv.
func (e *Endpoint[S, R]) Ready() <-chan struct{} {
	return e.in.ready
}

// Pending reports whether TryRecv would return without ErrEmpty, without
// consuming anything.
func (e *Endpoint[S, R]) Pending() bool {
	return e.in.pending()
}

// Close drops this endpoint. The peer sees ErrPeerGone from Send right away
// and from Recv once it has drained what was already queued.
func (e *Endpoint[S, R]) Close() {
	e.once.Do(func() {
		e.out.close()
		e.in.close()
	})
}
