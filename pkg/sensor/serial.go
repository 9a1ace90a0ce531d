package sensor

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ericogr/laser-logger/pkg/config"
	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
)

// SerialDevice reads the laser through go.bug.st/serial.
type SerialDevice struct {
	port serial.Port
	name string
}

func serialMode(cfg config.DeviceConfig) *serial.Mode {
	return &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

func readTimeout(cfg config.DeviceConfig) time.Duration {
	if cfg.ReadTimeoutMs <= 0 {
		return serial.NoTimeout
	}
	return time.Duration(cfg.ReadTimeoutMs) * time.Millisecond
}

func NewSerialDevice(cfg config.DeviceConfig) (Device, error) {
	port, err := serial.Open(cfg.Port, serialMode(cfg))
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(readTimeout(cfg)); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	// drop whatever the device queued before we were listening
	_ = port.ResetInputBuffer()
	return &SerialDevice{port: port, name: cfg.Port}, nil
}

// Read returns (0, nil) when the read timeout elapses without data.
func (s *SerialDevice) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialDevice) Close() error {
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

func (s *SerialDevice) String() string { return s.name }

// TarmDevice reads the laser through github.com/tarm/serial.
type TarmDevice struct {
	port    *tarm.Port
	name    string
	timeout time.Duration
}

func tarmConfig(cfg config.DeviceConfig) *tarm.Config {
	c := &tarm.Config{
		Name:     cfg.Port,
		Baud:     cfg.BaudRate,
		Size:     8,
		Parity:   tarm.ParityNone,
		StopBits: tarm.Stop1,
	}
	if cfg.ReadTimeoutMs > 0 {
		c.ReadTimeout = time.Duration(cfg.ReadTimeoutMs) * time.Millisecond
	}
	return c
}

func NewTarmDevice(cfg config.DeviceConfig) (Device, error) {
	c := tarmConfig(cfg)
	port, err := tarm.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	_ = port.Flush()
	return &TarmDevice{port: port, name: cfg.Port, timeout: c.ReadTimeout}, nil
}

// Read maps the EOF tarm reports on an expired read timeout to (0, nil) so
// both serial backends behave the same.
func (s *TarmDevice) Read(p []byte) (int, error) {
	n, err := s.port.Read(p)
	if n == 0 && s.timeout > 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}
	return n, err
}

func (s *TarmDevice) Close() error {
	if s.port != nil {
		return s.port.Close()
	}
	return nil
}

func (s *TarmDevice) String() string { return s.name }

// Open opens the device selected by cfg.Type.
func Open(cfg config.DeviceConfig) (Device, error) {
	switch cfg.Type {
	case config.DeviceSerial, "":
		return NewSerialDevice(cfg)
	case config.DeviceTarm:
		return NewTarmDevice(cfg)
	case config.DeviceSimulation:
		return NewSimulatedDevice(cfg)
	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.Type)
	}
}
