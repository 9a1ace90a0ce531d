package output

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericogr/laser-logger/pkg/sensor"
)

// Output receives live readings. Publish may block; it is only ever called
// from the Fanout goroutine.
type Output interface {
	Publish([]sensor.Reading) error
	Close() error
}

// Entry binds an Output to its publish interval. With a zero interval every
// reading is published; otherwise only the newest reading of each interval.
type Entry struct {
	Name     string
	Output   Output
	Interval time.Duration
}

type slot struct {
	Entry
	latest  sensor.Reading
	pending bool
	last    time.Time
}

// Fanout delivers readings to outputs on its own goroutine so a slow output
// never holds up acquisition. When the queue is full readings are dropped.
type Fanout struct {
	in      chan sensor.Reading
	slots   []*slot
	log     *slog.Logger
	dropped atomic.Uint64
	wg      sync.WaitGroup
	once    sync.Once
	err     error
}

func NewFanout(log *slog.Logger, queue int, entries ...Entry) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	if queue <= 0 {
		queue = 256
	}
	f := &Fanout{in: make(chan sensor.Reading, queue), log: log}
	for _, e := range entries {
		f.slots = append(f.slots, &slot{Entry: e})
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Offer queues r without blocking and reports whether it was accepted.
func (f *Fanout) Offer(r sensor.Reading) bool {
	if f == nil {
		return false
	}
	select {
	case f.in <- r:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// Dropped is the number of readings refused because the queue was full.
func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Fanout) tick() time.Duration {
	var d time.Duration
	for _, s := range f.slots {
		if s.Interval > 0 && (d == 0 || s.Interval < d) {
			d = s.Interval
		}
	}
	return d
}

func (f *Fanout) publish(s *slot, rs []sensor.Reading) {
	if err := s.Output.Publish(rs); err != nil {
		f.log.Warn("output publish failed", "output", s.Name, "error", err)
	}
}

func (f *Fanout) flushDue(now time.Time, force bool) {
	for _, s := range f.slots {
		if s.Interval == 0 || !s.pending {
			continue
		}
		if force || now.Sub(s.last) >= s.Interval {
			f.publish(s, []sensor.Reading{s.latest})
			s.pending = false
			s.last = now
		}
	}
}

func (f *Fanout) run() {
	defer f.wg.Done()

	var tickC <-chan time.Time
	if d := f.tick(); d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		tickC = t.C
	}

	for {
		select {
		case r, ok := <-f.in:
			if !ok {
				f.flushDue(time.Now(), true)
				return
			}
			for _, s := range f.slots {
				if s.Interval == 0 {
					f.publish(s, []sensor.Reading{r})
					continue
				}
				s.latest = r
				s.pending = true
			}
		case now := <-tickC:
			f.flushDue(now, false)
		}
	}
}

// Close drains the queue, publishes what is pending and closes every output.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		close(f.in)
		f.wg.Wait()
		var errs []error
		for _, s := range f.slots {
			if err := s.Output.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		f.err = errors.Join(errs...)
	})
	return f.err
}
