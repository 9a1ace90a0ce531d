package sensor

import (
	"errors"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/ericogr/laser-logger/pkg/config"
)

// SimulatedDevice produces protocol lines at a fixed rate so the whole
// pipeline can run without a laser attached.
type SimulatedDevice struct {
	mu      sync.Mutex
	pending []byte
	ticker  *time.Ticker
	done    chan struct{}
	once    sync.Once
	rnd     *rand.Rand

	seq       int64
	total     int64
	reference int64
}

func NewSimulatedDevice(cfg config.DeviceConfig) (Device, error) {
	if cfg.SimulationRate <= 0 {
		return nil, errors.New("simulation rate must be > 0")
	}
	return &SimulatedDevice{
		ticker:    time.NewTicker(time.Second / time.Duration(cfg.SimulationRate)),
		done:      make(chan struct{}),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
		reference: 5000,
	}, nil
}

func (f *SimulatedDevice) next() Reading {
	f.seq++
	step := int64(f.rnd.Intn(21) - 10)
	f.total += step
	return Reading{
		Reference:         f.reference,
		Measured:          f.reference + int64(f.rnd.Intn(201)-100),
		TotalDisplacement: f.total,
		Velocity:          step,
		SequenceNum:       f.seq,
	}
}

func (f *SimulatedDevice) Read(p []byte) (int, error) {
	f.mu.Lock()
	if len(f.pending) > 0 {
		n := copy(p, f.pending)
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()

	select {
	case <-f.done:
		return 0, os.ErrClosed
	case <-f.ticker.C:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = f.next().AppendLine(f.pending)
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *SimulatedDevice) Close() error {
	f.once.Do(func() {
		f.ticker.Stop()
		close(f.done)
	})
	return nil
}

func (f *SimulatedDevice) String() string { return "simulation" }
