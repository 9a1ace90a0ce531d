// Package sessionlog persists readings to header-free CSV files, one file per
// acquisition session, named log-<unix seconds>.csv.
//
// Names are unique and increasing. When sessions start faster than once per
// second the later ones take the next free second, so a name can be a few
// seconds ahead of the wall clock at creation.
package sessionlog

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ericogr/laser-logger/pkg/sensor"
)

// ErrRotate wraps every failure to start a new session file.
var ErrRotate = errors.New("start session log")

// maxNameProbes bounds the search for a free file name.
const maxNameProbes = 1000

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces time.Now for naming session files.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithLogger sets the structured logger used to report swallowed errors.
func WithLogger(log *slog.Logger) Option {
	return func(l *Logger) { l.log = log }
}

// WithBufferSize buffers up to size bytes between flushes. With the default
// of 0 each row is written straight to the file, so a failed write costs at
// most that row; with buffering a failed write drops what was buffered.
func WithBufferSize(size int) Option {
	return func(l *Logger) { l.bufSize = size }
}

// Stats is a snapshot of logger counters.
type Stats struct {
	Path        string
	Sessions    uint64
	Rows        uint64
	WriteErrors uint64
}

// Logger writes readings to the current session file.
type Logger struct {
	mu      sync.Mutex
	dir     string
	now     func() time.Time
	log     *slog.Logger
	bufSize int

	file      *os.File
	w         io.Writer
	buf       *bufio.Writer
	path      string
	lastEpoch int64
	closed    bool

	scratch bytes.Buffer
	enc     *csv.Writer

	sessions    uint64
	rows        uint64
	writeErrors uint64
}

// Open starts the first session in dir.
func Open(dir string, opts ...Option) (*Logger, error) {
	l := &Logger{
		dir: dir,
		now: time.Now,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.enc = csv.NewWriter(&l.scratch)

	if err := l.create(); err != nil {
		return nil, err
	}
	return l, nil
}

// create opens the next session file. Names are unique and increase
// monotonically: if the current second is taken, the next free one is used.
func (l *Logger) create() error {
	epoch := l.now().Unix()
	if epoch <= l.lastEpoch {
		epoch = l.lastEpoch + 1
	}

	for i := 0; i < maxNameProbes; i++ {
		path := filepath.Join(l.dir, "log-"+strconv.FormatInt(epoch, 10)+".csv")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			epoch++
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrRotate, err)
		}

		l.file = f
		l.path = path
		l.lastEpoch = epoch
		l.sessions++
		if l.bufSize > 0 {
			l.buf = bufio.NewWriterSize(f, l.bufSize)
			l.w = l.buf
		} else {
			l.buf = nil
			l.w = f
		}
		l.log.Info("session log opened", "path", path)
		return nil
	}
	return fmt.Errorf("%w: no free file name in %s", ErrRotate, l.dir)
}

// Write appends one row. Failures are logged and counted, never returned.
func (l *Logger) Write(r sensor.Reading) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.w == nil {
		return
	}

	l.scratch.Reset()
	_ = l.enc.Write(r.Row())
	l.enc.Flush()
	if err := l.enc.Error(); err != nil {
		l.writeFailed(err)
		return
	}

	if _, err := l.w.Write(l.scratch.Bytes()); err != nil {
		l.writeFailed(err)
		if l.buf != nil {
			l.buf.Reset(l.file)
		}
		return
	}
	l.rows++
}

func (l *Logger) writeFailed(err error) {
	l.writeErrors++
	l.log.Warn("session log write failed", "path", l.path, "error", err)
}

// Flush pushes buffered rows to the file.
func (l *Logger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.flush()
}

func (l *Logger) flush() {
	if l.buf == nil {
		return
	}
	if err := l.buf.Flush(); err != nil {
		l.writeFailed(err)
		l.buf.Reset(l.file)
	}
}

// closeFile must be called with the lock held.
func (l *Logger) closeFile() error {
	if l.file == nil {
		return nil
	}
	l.flush()
	err := l.file.Close()
	l.file = nil
	l.buf = nil
	l.w = nil
	return err
}

// Rotate closes the current session and starts a new one. The new file is
// created first so a failure leaves the current session untouched.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%w: logger closed", ErrRotate)
	}

	prevFile, prevBuf, prevPath := l.file, l.buf, l.path
	if err := l.create(); err != nil {
		return err
	}

	if prevBuf != nil {
		if err := prevBuf.Flush(); err != nil {
			l.writeFailed(err)
		}
	}
	if prevFile != nil {
		if err := prevFile.Close(); err != nil {
			l.log.Warn("session log close failed", "path", prevPath, "error", err)
		}
	}
	return nil
}

// Close flushes and releases the current file. Later calls are no-ops.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeFile()
}

// Path is the current session file.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.path
}

func (l *Logger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Path:        l.path,
		Sessions:    l.sessions,
		Rows:        l.rows,
		WriteErrors: l.writeErrors,
	}
}
