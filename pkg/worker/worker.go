// Package worker runs the acquisition loop: it reads the device, decodes
// frames, derives displacement, feeds the window and the session log, and
// services control messages from the consumer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ericogr/laser-logger/pkg/codec"
	"github.com/ericogr/laser-logger/pkg/duplex"
	"github.com/ericogr/laser-logger/pkg/output"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/ericogr/laser-logger/pkg/sessionlog"
	"github.com/ericogr/laser-logger/pkg/window"
	"periph.io/x/conn/v3/physic"
)

const (
	DefaultScale         = 79.2
	DefaultPauseInterval = 250 * time.Millisecond
	DefaultFlushInterval = time.Second
	DefaultReadBufSize   = 4096

	// readerStopTimeout bounds how long shutdown waits for a device read
	// that ignores Close.
	readerStopTimeout = time.Second
)

// ErrStreamClosed is reported when the device stops producing data.
var ErrStreamClosed = errors.New("device stream closed")

type MessageKind int

const (
	MsgDisconnect MessageKind = iota
	MsgPause
	MsgResume
	MsgSetSampleRate
)

func (k MessageKind) String() string {
	switch k {
	case MsgDisconnect:
		return "disconnect"
	case MsgPause:
		return "pause"
	case MsgResume:
		return "resume"
	case MsgSetSampleRate:
		return "set-sample-rate"
	}
	return fmt.Sprintf("message(%d)", int(k))
}

// Message is a control request from the consumer. Rate is only meaningful
// for MsgSetSampleRate and is in Hz: it sets how often buffered frames are
// polled, not how many are kept. Every frame is still handled, in order.
type Message struct {
	Kind MessageKind
	Rate int
}

func Disconnect() Message          { return Message{Kind: MsgDisconnect} }
func Pause() Message               { return Message{Kind: MsgPause} }
func Resume() Message              { return Message{Kind: MsgResume} }
func SetSampleRate(hz int) Message { return Message{Kind: MsgSetSampleRate, Rate: hz} }

type EventKind int

const (
	EventDisconnected EventKind = iota + 1
	EventErrored
)

func (k EventKind) String() string {
	switch k {
	case EventDisconnected:
		return "disconnected"
	case EventErrored:
		return "errored"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a terminal lifecycle notification. Err is set for EventErrored.
type Event struct {
	Kind EventKind
	Err  error
}

type State int32

const (
	Running State = iota
	Paused
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the tunables of one worker. Zero values take the defaults,
// except SampleRate where zero means every frame is handled on arrival.
type Config struct {
	Scale         float64
	SampleRate    int
	PauseInterval time.Duration
	FlushInterval time.Duration
	ReadBufSize   int
}

func (c Config) withDefaults() Config {
	if c.Scale == 0 {
		c.Scale = DefaultScale
	}
	if c.PauseInterval <= 0 {
		c.PauseInterval = DefaultPauseInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.ReadBufSize <= 0 {
		c.ReadBufSize = DefaultReadBufSize
	}
	return c
}

// Notifier is called after every new reading and once at termination. It
// must not block.
type Notifier func()

type Option func(*Worker)

func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) { w.slog = log }
}

func WithNotifier(n Notifier) Option {
	return func(w *Worker) { w.notify = n }
}

// WithFanout hands every accepted reading to f as well.
func WithFanout(f *output.Fanout) Option {
	return func(w *Worker) { w.fanout = f }
}

// Period converts a rate in Hz to the interval between paced polls.
func Period(hz int) time.Duration {
	if hz <= 0 {
		return 0
	}
	return (physic.Frequency(hz) * physic.Hertz).Period()
}

// Displace returns the scaled difference between two cumulative counters.
// The subtraction wraps like the device counter does.
func Displace(prev, cur int64, scale float64) float64 {
	return float64(cur-prev) * scale
}

// Worker owns the device, the decoder and the session log for one
// connection.
type Worker struct {
	cfg    Config
	dev    sensor.Device
	dec    *codec.Decoder
	store  *window.Store
	log    *sessionlog.Logger
	ep     *duplex.Endpoint[Event, Message]
	fanout *output.Fanout
	slog   *slog.Logger
	notify Notifier

	state    atomic.Int32
	interval time.Duration
	pace     *time.Ticker
	backlog  bool

	chunks     chan []byte
	readErr    chan error
	stop       chan struct{}
	readerDone chan struct{}
	done       chan struct{}

	accepted atomic.Uint64
}

// Start launches the worker. It takes ownership of dev, log and ep and
// releases all three when it terminates.
func Start(ctx context.Context, dev sensor.Device, cfg Config, store *window.Store, log *sessionlog.Logger, ep *duplex.Endpoint[Event, Message], opts ...Option) *Worker {
	w := &Worker{
		cfg:        cfg.withDefaults(),
		dev:        dev,
		dec:        codec.NewDecoder(),
		store:      store,
		log:        log,
		ep:         ep,
		slog:       slog.Default(),
		notify:     func() {},
		chunks:     make(chan []byte, 16),
		readErr:    make(chan error, 1),
		stop:       make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	w.interval = Period(w.cfg.SampleRate)

	go w.readLoop()
	go w.run(ctx)
	return w
}

// Done is closed once the worker has released everything it owns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

// Accepted is the number of readings pushed to the window so far.
func (w *Worker) Accepted() uint64 {
	return w.accepted.Load()
}

func (w *Worker) readLoop() {
	defer close(w.readerDone)

	buf := make([]byte, w.cfg.ReadBufSize)
	for {
		n, err := w.dev.Read(buf)
		if n > 0 {
			select {
			case w.chunks <- buf[:n]:
				buf = make([]byte, w.cfg.ReadBufSize)
			case <-w.stop:
				return
			}
		}
		if err != nil {
			select {
			case w.readErr <- err:
			case <-w.stop:
			}
			return
		}
	}
}

func (w *Worker) run(ctx context.Context) {
	ev, reason := w.loop(ctx)
	w.shutdown(ev, reason)
}

// loop returns the terminal event, or nil when no one is left to tell.
func (w *Worker) loop(ctx context.Context) (*Event, string) {
	flush := time.NewTicker(w.cfg.FlushInterval)
	defer flush.Stop()
	w.resetPace()
	defer w.stopPace()

	pauseTimer := time.NewTimer(w.cfg.PauseInterval)
	defer pauseTimer.Stop()

	for {
		if ev, reason, stop := w.drainControl(); stop {
			return ev, reason
		}

		if w.State() == Paused {
			pauseTimer.Reset(w.cfg.PauseInterval)
			select {
			case <-w.ep.Ready():
			case <-pauseTimer.C:
			case <-ctx.Done():
				return nil, "context done"
			}
			if !pauseTimer.Stop() {
				select {
				case <-pauseTimer.C:
				default:
				}
			}
			continue
		}

		if w.backlog && w.pace == nil {
			if err := w.process(); err != nil {
				return errored(err), "decode failed"
			}
			continue
		}

		var paceC <-chan time.Time
		if w.pace != nil {
			paceC = w.pace.C
		}

		select {
		case <-w.ep.Ready():
		case chunk := <-w.chunks:
			w.dec.Feed(chunk)
			if w.pace == nil {
				if err := w.process(); err != nil {
					return errored(err), "decode failed"
				}
			}
		case err := <-w.readErr:
			if ev, reason, stop := w.drainControl(); stop {
				return ev, reason
			}
			if err := w.drainStream(); err != nil {
				return errored(err), "decode failed"
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamClosed
			}
			return errored(fmt.Errorf("read device: %w", err)), "stream failed"
		case <-paceC:
			if err := w.process(); err != nil {
				return errored(err), "decode failed"
			}
		case <-flush.C:
			w.log.Flush()
		case <-ctx.Done():
			return nil, "context done"
		}
	}
}

func errored(err error) *Event {
	return &Event{Kind: EventErrored, Err: err}
}

// drainControl handles every queued control message. stop is true when the
// worker must terminate.
func (w *Worker) drainControl() (*Event, string, bool) {
	for {
		msg, err := w.ep.TryRecv()
		if errors.Is(err, duplex.ErrEmpty) {
			return nil, "", false
		}
		if err != nil {
			return nil, "control peer gone", true
		}

		w.slog.Debug("control message", "message", msg.Kind, "rate", msg.Rate)
		switch msg.Kind {
		case MsgDisconnect:
			return &Event{Kind: EventDisconnected}, "disconnect requested", true
		case MsgPause:
			if w.State() == Running {
				w.state.Store(int32(Paused))
				w.log.Flush()
				w.slog.Info("acquisition paused")
			}
		case MsgResume:
			if w.State() == Paused {
				if err := w.log.Rotate(); err != nil {
					return errored(err), "rotate failed", true
				}
				w.state.Store(int32(Running))
				w.slog.Info("acquisition resumed", "path", w.log.Path())
			}
		case MsgSetSampleRate:
			if msg.Rate <= 0 {
				w.slog.Warn("ignoring sample rate", "rate", msg.Rate)
				continue
			}
			w.interval = Period(msg.Rate)
			w.resetPace()
			if err := w.log.Rotate(); err != nil {
				return errored(err), "rotate failed", true
			}
			w.slog.Info("sample rate changed", "rate", msg.Rate, "interval", w.interval, "path", w.log.Path())
		default:
			w.slog.Warn("unknown control message", "message", msg.Kind)
		}
	}
}

func (w *Worker) resetPace() {
	w.stopPace()
	if w.interval > 0 {
		w.pace = time.NewTicker(w.interval)
	}
}

func (w *Worker) stopPace() {
	if w.pace != nil {
		w.pace.Stop()
		w.pace = nil
	}
}

// process handles every complete frame in the decoder, yielding to control
// messages between frames.
func (w *Worker) process() error {
	w.backlog = false
	for {
		if w.ep.Pending() {
			w.backlog = w.dec.Buffered() > 0
			return nil
		}
		r, ok, err := w.dec.Poll()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		w.accept(r)
	}
}

// drainStream handles everything the reader delivered before it stopped,
// regardless of pacing.
func (w *Worker) drainStream() error {
	for drained := false; !drained; {
		select {
		case chunk := <-w.chunks:
			w.dec.Feed(chunk)
		default:
			drained = true
		}
	}
	for {
		r, ok, err := w.dec.Poll()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		w.accept(r)
	}
}

func (w *Worker) accept(r sensor.Reading) {
	var prev int64
	if last, ok := w.store.Last(); ok {
		prev = last.TotalDisplacement
	}
	r.Displacement = Displace(prev, r.TotalDisplacement, w.cfg.Scale)

	w.store.Push(r)
	w.log.Write(r)
	w.fanout.Offer(r)
	w.accepted.Add(1)
	w.notify()
}

func (w *Worker) shutdown(ev *Event, reason string) {
	w.state.Store(int32(Terminated))

	close(w.stop)
	if err := w.dev.Close(); err != nil {
		w.slog.Warn("close device", "error", err)
	}
	select {
	case <-w.readerDone:
	case <-time.After(readerStopTimeout):
		w.slog.Warn("device reader still blocked after close")
	}

	if err := w.log.Close(); err != nil {
		w.slog.Warn("close session log", "error", err)
	}
	if w.fanout != nil {
		if err := w.fanout.Close(); err != nil {
			w.slog.Warn("close outputs", "error", err)
		}
	}
	w.store.Reset()

	if ev != nil {
		if ev.Err != nil {
			w.slog.Error("acquisition stopped", "reason", reason, "error", ev.Err)
		} else {
			w.slog.Info("acquisition stopped", "reason", reason)
		}
		if err := w.ep.Send(*ev); err != nil {
			w.slog.Debug("terminal event not delivered", "error", err)
		}
	} else {
		w.slog.Info("acquisition stopped", "reason", reason)
	}
	w.ep.Close()

	close(w.done)
	w.notify()
}
