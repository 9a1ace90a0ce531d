// Package laser is the consumer side of an acquisition: it opens the device,
// starts the worker and hands back the control, event and window handles.
package laser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericogr/laser-logger/pkg/config"
	"github.com/ericogr/laser-logger/pkg/duplex"
	"github.com/ericogr/laser-logger/pkg/output"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/ericogr/laser-logger/pkg/sessionlog"
	"github.com/ericogr/laser-logger/pkg/window"
	"github.com/ericogr/laser-logger/pkg/worker"
)

// ConnectionError is returned by Connect when the device or the first
// session log cannot be opened.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Status is the consumer-side reading of how a connection ended.
type Status int

const (
	StatusDisconnected Status = iota + 1
	StatusErrored
	StatusChannelDropped
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusErrored:
		return "error while reading"
	case StatusChannelDropped:
		return "worker dropped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Report is what Poll hands back once the connection has ended.
type Report struct {
	Status Status
	Err    error
}

func (r Report) String() string {
	if r.Err != nil {
		return r.Status.String() + ": " + r.Err.Error()
	}
	return r.Status.String()
}

type options struct {
	log        *slog.Logger
	notify     worker.Notifier
	outputs    []output.Entry
	sessionOps []sessionlog.Option
}

type Option func(*options)

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithNotifier is called whenever the window changes and when the
// connection ends. It must not block.
func WithNotifier(n worker.Notifier) Option {
	return func(o *options) { o.notify = n }
}

// WithOutputs feeds every reading to the given outputs. The connection owns
// them from then on and closes them when it ends, or right away if Connect
// fails.
func WithOutputs(entries ...output.Entry) Option {
	return func(o *options) { o.outputs = append(o.outputs, entries...) }
}

func WithSessionOptions(opts ...sessionlog.Option) Option {
	return func(o *options) { o.sessionOps = append(o.sessionOps, opts...) }
}

// ControlHandle sends control messages to the worker.
type ControlHandle struct {
	ep *duplex.Endpoint[worker.Message, worker.Event]
}

func (h ControlHandle) Send(m worker.Message) error {
	if err := h.ep.Send(m); err != nil {
		return fmt.Errorf("send %s: %w", m.Kind, err)
	}
	return nil
}

func (h ControlHandle) Pause() error              { return h.Send(worker.Pause()) }
func (h ControlHandle) Resume() error             { return h.Send(worker.Resume()) }
func (h ControlHandle) Disconnect() error         { return h.Send(worker.Disconnect()) }
func (h ControlHandle) SetSampleRate(hz int) error { return h.Send(worker.SetSampleRate(hz)) }

// EventHandle receives lifecycle events. Consumers should use either the
// EventHandle or Connection.Poll, not both, since both take from the same
// queue.
type EventHandle struct {
	ep *duplex.Endpoint[worker.Message, worker.Event]
}

func (h EventHandle) TryRecv() (worker.Event, error) {
	return h.ep.TryRecv()
}

func (h EventHandle) Recv(ctx context.Context) (worker.Event, error) {
	return h.ep.Recv(ctx)
}

// Connection is one running acquisition.
type Connection struct {
	port    string
	ep      *duplex.Endpoint[worker.Message, worker.Event]
	store   *window.Store
	session *sessionlog.Logger
	w       *worker.Worker
	log     *slog.Logger

	mu       sync.Mutex
	reported bool
	once     sync.Once
}

// Connect opens the device named by cfg, starts the first session log and
// launches the worker. The worker runs until it is told to disconnect, fails,
// the connection is closed or ctx is done.
func Connect(ctx context.Context, cfg config.Config, opts ...Option) (*Connection, error) {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	port := cfg.Device.Port
	if port == "" {
		port = cfg.Device.Type
	}

	fail := func(err error) (*Connection, error) {
		for _, e := range o.outputs {
			if cerr := e.Output.Close(); cerr != nil {
				o.log.Warn("close output", "output", e.Name, "error", cerr)
			}
		}
		return nil, &ConnectionError{Port: port, Err: err}
	}

	dev, err := sensor.Open(cfg.Device)
	if err != nil {
		return fail(err)
	}

	sessionOps := append([]sessionlog.Option{sessionlog.WithLogger(o.log)}, o.sessionOps...)
	session, err := sessionlog.Open(cfg.LogDir, sessionOps...)
	if err != nil {
		if cerr := dev.Close(); cerr != nil {
			o.log.Warn("close device", "error", cerr)
		}
		return fail(err)
	}

	c := &Connection{
		port:    port,
		store:   window.New(cfg.WindowSize),
		session: session,
		log:     o.log,
	}
	consumer, producer := duplex.Pair[worker.Message, worker.Event]()
	c.ep = consumer

	wopts := []worker.Option{worker.WithLogger(o.log.With("port", port))}
	if o.notify != nil {
		wopts = append(wopts, worker.WithNotifier(o.notify))
	}
	if len(o.outputs) > 0 {
		wopts = append(wopts, worker.WithFanout(output.NewFanout(o.log, cfg.OutputQueue, o.outputs...)))
	}

	c.w = worker.Start(ctx, dev, worker.Config{
		Scale:         cfg.DisplacementScale,
		SampleRate:    cfg.SampleRate,
		PauseInterval: time.Duration(cfg.PauseIntervalMs) * time.Millisecond,
		FlushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
	}, c.store, session, producer, wopts...)

	o.log.Info("connected", "port", port, "session", session.Path())
	return c, nil
}

func (c *Connection) Port() string { return c.port }

func (c *Connection) Control() ControlHandle { return ControlHandle{ep: c.ep} }

func (c *Connection) Events() EventHandle { return EventHandle{ep: c.ep} }

// Window is the live view of the most recent readings.
func (c *Connection) Window() window.Reader { return c.store }

// Session reports the current session file and its counters.
func (c *Connection) Session() sessionlog.Stats { return c.session.Stats() }

func (c *Connection) State() worker.State { return c.w.State() }

// Done is closed when the worker has released the device.
func (c *Connection) Done() <-chan struct{} { return c.w.Done() }

// Poll checks for the end of the connection without blocking. It reports
// the outcome exactly once; later calls return false.
func (c *Connection) Poll() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.reported {
		return Report{}, false
	}

	ev, err := c.ep.TryRecv()
	switch {
	case errors.Is(err, duplex.ErrEmpty):
		return Report{}, false
	case err != nil:
		c.reported = true
		return Report{Status: StatusChannelDropped}, true
	}

	c.reported = true
	switch ev.Kind {
	case worker.EventDisconnected:
		return Report{Status: StatusDisconnected}, true
	case worker.EventErrored:
		return Report{Status: StatusErrored, Err: ev.Err}, true
	}
	return Report{Status: StatusChannelDropped, Err: fmt.Errorf("unexpected event %s", ev.Kind)}, true
}

// Close drops the consumer side, which stops the worker, and waits for it
// to release the device.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.reported = true
		c.mu.Unlock()

		c.ep.Close()
		<-c.w.Done()
	})
}
