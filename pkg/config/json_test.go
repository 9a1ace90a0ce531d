package config

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnmarshalConfigJSON(t *testing.T) {
	js := `{
        "device": { "type": "serial", "port": "/dev/ttyUSB0", "baud_rate": 2000000 },
        "log_dir": "/data/laser",
        "sample_rate": 50,
        "displacement_scale": 79.2,
        "outputs": [
            {"type":"console", "interval_ms": 1000},
            {"type":"mqtt", "mqtt": {"server": "tcp://localhost:1883", "topic": "laser"}}
        ]
    }`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(js), &cfg))

	require.Equal(t, "/dev/ttyUSB0", cfg.Device.Port)
	require.Equal(t, 2000000, cfg.Device.BaudRate)
	require.Equal(t, 50, cfg.SampleRate)
	require.Equal(t, "/data/laser", cfg.LogDir)

	require.Len(t, cfg.Outputs, 2)
	require.Equal(t, "console", cfg.Outputs[0].Type)
	require.Equal(t, 1000, cfg.Outputs[0].IntervalMs)
	require.NotNil(t, cfg.Outputs[1].MQTT)
	require.Equal(t, "laser", cfg.Outputs[1].MQTT.Topic)
}
