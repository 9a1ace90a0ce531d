package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ericogr/laser-logger/pkg/config"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want command
		ok   bool
	}{
		{"pause", command{kind: cmdPause}, true},
		{" RESUME ", command{kind: cmdResume}, true},
		{"rate 50", command{kind: cmdRate, rate: 50}, true},
		{"rate 0", command{}, false},
		{"rate fast", command{}, false},
		{"rate", command{}, false},
		{"show", command{kind: cmdShow, field: sensor.FieldMeasured}, true},
		{"show displacement", command{kind: cmdShow, field: sensor.FieldDisplacement}, true},
		{"show nothing", command{}, false},
		{"status", command{kind: cmdStatus}, true},
		{"quit", command{kind: cmdQuit}, true},
		{"disconnect", command{kind: cmdQuit}, true},
		{"jump", command{}, false},
		{"", command{}, false},
	}
	for _, tt := range tests {
		got, err := parseCommand(tt.line)
		if !tt.ok {
			require.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		require.Equal(t, tt.want, got, tt.line)
	}
}

func TestInitOutputs(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: "console", IntervalMs: 123}}}
	entries, err := initOutputs(cfg)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 123*time.Millisecond, entries[0].Interval)

	cfg.Outputs = append(cfg.Outputs, config.OutputConfig{Type: "pigeon"})
	_, err = initOutputs(cfg)
	require.Error(t, err, "unknown output")

	cfg.Outputs = []config.OutputConfig{{Type: "mqtt"}}
	_, err = initOutputs(cfg)
	require.Error(t, err, "mqtt without server")
}

func TestRunUntilQuit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device.Type = config.DeviceSimulation
	cfg.Device.SimulationRate = 200
	cfg.LogDir = t.TempDir()

	// give the simulated device time to fill the window before quitting
	in, w := io.Pipe()
	go func() {
		_, _ = w.Write([]byte("status\n"))
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("show velocity\nbogus\nquit\n"))
	}()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, nil, in, &out, slog.New(slog.DiscardHandler)))

	got := out.String()
	require.Contains(t, got, "state=running")
	require.Contains(t, got, `unknown command "bogus"`)
	require.Contains(t, got, "disconnected")
	require.Contains(t, got, "\n0 ", "show printed no points")
}

func TestRunInterrupted(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Device.Type = config.DeviceSimulation
	cfg.LogDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	require.NoError(t, run(ctx, cfg, nil, strings.NewReader(""), io.Discard, slog.New(slog.DiscardHandler)))
}

func TestRunHelpDescribesRateAsPolling(t *testing.T) {
	long := newRunCmd().Long
	require.Contains(t, long, "poll buffered frames")
	require.Contains(t, long, "every frame is still logged")
}
