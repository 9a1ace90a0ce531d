package sensor_test

import (
	"os"
	"testing"

	"github.com/ericogr/laser-logger/pkg/codec"
	"github.com/ericogr/laser-logger/pkg/config"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/stretchr/testify/require"
)

func TestSimulatedDeviceProducesLines(t *testing.T) {
	dev, err := sensor.Open(config.DeviceConfig{Type: config.DeviceSimulation, SimulationRate: 1000})
	require.NoError(t, err)
	defer dev.Close()

	d := codec.NewDecoder()
	buf := make([]byte, 7) // small on purpose, lines span reads
	var got []sensor.Reading
	for len(got) < 5 {
		n, err := dev.Read(buf)
		require.NoError(t, err)
		d.Feed(buf[:n])
		for {
			r, ok, err := d.Poll()
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, r)
		}
	}
	for i, r := range got {
		require.Equal(t, int64(i+1), r.SequenceNum)
	}
}

func TestSimulatedDeviceClose(t *testing.T) {
	dev, err := sensor.NewSimulatedDevice(config.DeviceConfig{SimulationRate: 1})
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	_, err = dev.Read(make([]byte, 8))
	require.ErrorIs(t, err, os.ErrClosed)
}

func TestSimulatedDeviceRate(t *testing.T) {
	_, err := sensor.NewSimulatedDevice(config.DeviceConfig{})
	require.Error(t, err)
}
