package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	DeviceSerial     = "serial"
	DeviceTarm       = "tarm"
	DeviceSimulation = "simulation"
)

type MQTTConfig struct {
	Server   string `json:"server" yaml:"server"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Topic    string `json:"topic" yaml:"topic"`
	QoS      byte   `json:"qos" yaml:"qos"`
}

type OutputConfig struct {
	Type       string      `json:"type" yaml:"type"`
	IntervalMs int         `json:"interval_ms,omitempty" yaml:"interval_ms,omitempty"`
	MQTT       *MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type DeviceConfig struct {
	Type          string `json:"type" yaml:"type"`
	Port          string `json:"port" yaml:"port"`
	BaudRate      int    `json:"baud_rate" yaml:"baud_rate"`
	ReadTimeoutMs int    `json:"read_timeout_ms" yaml:"read_timeout_ms"`
	// SimulationRate is the line rate (Hz) of the simulated device.
	SimulationRate int `json:"simulation_rate" yaml:"simulation_rate"`
}

type Config struct {
	Device            DeviceConfig   `json:"device" yaml:"device"`
	LogDir            string         `json:"log_dir" yaml:"log_dir"`
	SampleRate        int            `json:"sample_rate" yaml:"sample_rate"`
	WindowSize        int            `json:"window_size" yaml:"window_size"`
	DisplacementScale float64        `json:"displacement_scale" yaml:"displacement_scale"`
	PauseIntervalMs   int            `json:"pause_interval_ms" yaml:"pause_interval_ms"`
	FlushIntervalMs   int            `json:"flush_interval_ms" yaml:"flush_interval_ms"`
	OutputQueue       int            `json:"output_queue" yaml:"output_queue"`
	Outputs           []OutputConfig `json:"outputs" yaml:"outputs"`
	LogLevel          string         `json:"log_level" yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Type:           DeviceSerial,
			BaudRate:       2000000,
			ReadTimeoutMs:  100,
			SimulationRate: 50,
		},
		LogDir:            ".",
		SampleRate:        0,
		WindowSize:        60,
		DisplacementScale: 79.2,
		PauseIntervalMs:   250,
		FlushIntervalMs:   1000,
		OutputQueue:       256,
		LogLevel:          "info",
	}
}

// Flags holds the raw flag values registered by RegisterFlags. Unset flags keep
// their sentinel value and do not override the file configuration.
type Flags struct {
	ConfigPath      string
	DeviceType      string
	Port            string
	BaudRate        int
	ReadTimeoutMs   int
	SimulationRate  int
	LogDir          string
	SampleRate      int
	WindowSize      int
	Scale           string
	Outputs         string
	OutputIntervals string
	MQTTServer      string
	MQTTUser        string
	MQTTPass        string
	MQTTClientID    string
	MQTTTopic       string
	LogLevel        string
}

// RegisterFlags binds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVarP(&f.ConfigPath, "config", "c", "", "Path to JSON or YAML config file")
	fs.StringVar(&f.DeviceType, "device", "", "device type: serial|tarm|simulation")
	fs.StringVarP(&f.Port, "port", "p", "", "Serial port (e.g. /dev/ttyUSB0, COM3)")
	fs.IntVar(&f.BaudRate, "baud", -1, "Serial baud rate")
	fs.IntVar(&f.ReadTimeoutMs, "read-timeout-ms", -1, "Serial read timeout in ms")
	fs.IntVar(&f.SimulationRate, "simulation-rate", -1, "Simulated device line rate (Hz)")
	fs.StringVarP(&f.LogDir, "dir", "d", "", "Directory for session CSV logs")
	fs.IntVarP(&f.SampleRate, "rate", "r", -1, "Initial sample rate in Hz (0 = as fast as the device sends)")
	fs.IntVar(&f.WindowSize, "window", -1, "Number of readings kept for live display")
	fs.StringVar(&f.Scale, "scale", "", "Displacement scale factor")
	fs.StringVar(&f.Outputs, "outputs", "", "Comma-separated live outputs (console,mqtt)")
	fs.StringVar(&f.OutputIntervals, "output-intervals", "", "Comma-separated output intervals e.g. console=1000,mqtt=0")
	fs.StringVar(&f.MQTTServer, "mqtt-server", "", "MQTT server (tcp://host:port)")
	fs.StringVar(&f.MQTTUser, "mqtt-user", "", "MQTT username")
	fs.StringVar(&f.MQTTPass, "mqtt-pass", "", "MQTT password")
	fs.StringVar(&f.MQTTClientID, "mqtt-client-id", "", "MQTT client id")
	fs.StringVar(&f.MQTTTopic, "mqtt-topic", "", "MQTT topic")
	fs.StringVar(&f.LogLevel, "log-level", "", "debug|info|warn|error")
	return f
}

// Load reads the optional config file named by the flags and applies the flag
// overrides on top of it.
func Load(f *Flags) (Config, error) {
	cfg := DefaultConfig()

	if f.ConfigPath != "" {
		if err := LoadFile(f.ConfigPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if f.DeviceType != "" {
		cfg.Device.Type = f.DeviceType
	}
	if f.Port != "" {
		cfg.Device.Port = f.Port
	}
	if f.BaudRate != -1 {
		cfg.Device.BaudRate = f.BaudRate
	}
	if f.ReadTimeoutMs != -1 {
		cfg.Device.ReadTimeoutMs = f.ReadTimeoutMs
	}
	if f.SimulationRate != -1 {
		cfg.Device.SimulationRate = f.SimulationRate
	}
	if f.LogDir != "" {
		cfg.LogDir = f.LogDir
	}
	if f.SampleRate != -1 {
		cfg.SampleRate = f.SampleRate
	}
	if f.WindowSize != -1 {
		cfg.WindowSize = f.WindowSize
	}
	if f.Scale != "" {
		v, err := strconv.ParseFloat(strings.TrimSpace(f.Scale), 64)
		if err != nil {
			return cfg, fmt.Errorf("scale: %w", err)
		}
		cfg.DisplacementScale = v
	}
	if f.Outputs != "" {
		parts := parseCSV(f.Outputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: p})
		}
		cfg.Outputs = outs
	}
	if f.OutputIntervals != "" {
		intervals, err := parseKeyIntMap(f.OutputIntervals)
		if err != nil {
			return cfg, fmt.Errorf("output-intervals: %w", err)
		}
		for i := range cfg.Outputs {
			if v, ok := intervals[cfg.Outputs[i].Type]; ok {
				cfg.Outputs[i].IntervalMs = v
			}
		}
	}
	if f.MQTTServer != "" || f.MQTTUser != "" || f.MQTTPass != "" || f.MQTTClientID != "" || f.MQTTTopic != "" {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == "mqtt" {
				if cfg.Outputs[i].MQTT == nil {
					cfg.Outputs[i].MQTT = &MQTTConfig{}
				}
				f.applyMQTT(cfg.Outputs[i].MQTT)
				applied = true
			}
		}
		if !applied {
			out := OutputConfig{Type: "mqtt", MQTT: &MQTTConfig{}}
			f.applyMQTT(out.MQTT)
			cfg.Outputs = append(cfg.Outputs, out)
		}
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}

	return cfg, cfg.Validate()
}

func (f *Flags) applyMQTT(m *MQTTConfig) {
	if f.MQTTServer != "" {
		m.Server = f.MQTTServer
	}
	if f.MQTTUser != "" {
		m.Username = f.MQTTUser
	}
	if f.MQTTPass != "" {
		m.Password = f.MQTTPass
	}
	if f.MQTTClientID != "" {
		m.ClientID = f.MQTTClientID
	}
	if f.MQTTTopic != "" {
		m.Topic = f.MQTTTopic
	}
}

// LoadFile decodes a config file into cfg. Files ending in .yaml or .yml are
// read as YAML, everything else as JSON.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Device.Type {
	case DeviceSerial, DeviceTarm:
		if c.Device.Port == "" {
			return errors.New("port is required for serial devices")
		}
		if c.Device.BaudRate <= 0 {
			return errors.New("baud rate must be > 0")
		}
	case DeviceSimulation:
		if c.Device.SimulationRate <= 0 {
			return errors.New("simulation-rate must be > 0")
		}
	default:
		return fmt.Errorf("unknown device type %q", c.Device.Type)
	}
	if c.LogDir == "" {
		return errors.New("log directory is required")
	}
	if c.SampleRate < 0 {
		return errors.New("sample-rate must be >= 0")
	}
	if c.WindowSize <= 0 {
		return errors.New("window must be > 0")
	}
	if c.PauseIntervalMs <= 0 {
		return errors.New("pause_interval_ms must be > 0")
	}
	for _, o := range c.Outputs {
		switch strings.ToLower(o.Type) {
		case "console":
		case "mqtt":
			if o.MQTT == nil || o.MQTT.Server == "" {
				return errors.New("mqtt output requires a server")
			}
		default:
			return fmt.Errorf("unknown output type %q", o.Type)
		}
	}
	return nil
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func parseKeyIntMap(s string) (map[string]int, error) {
	out := make(map[string]int)
	for _, p := range parseCSV(s) {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid entry '%s'", p)
		}
		v, err := strconv.Atoi(strings.TrimSpace(kv[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid value in '%s': %w", p, err)
		}
		out[strings.TrimSpace(kv[0])] = v
	}
	return out, nil
}
