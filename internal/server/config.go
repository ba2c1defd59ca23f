package server

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/olr-bridge/internal/bridge"
	"github.com/shaunagostinho/olr-bridge/internal/link"
	"github.com/shaunagostinho/olr-bridge/internal/protocol"
	"github.com/shaunagostinho/olr-bridge/internal/recorder"
	"github.com/shaunagostinho/olr-bridge/internal/relay"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Device link
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Command and polling timings
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`

	// Car speed parameters, changed at runtime through the API
	Speed protocol.SpeedConfig `yaml:"speed" json:"speed"`

	// CSV telemetry recording
	Recording recorder.Config `yaml:"recording" json:"recording"`

	// MQTT relay
	MQTT relay.Config `yaml:"mqtt" json:"mqtt"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Type          string `yaml:"type" json:"type"`          // "serial" or "demo"
	PortPath      string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0 or COM3
	BaudRate      int    `yaml:"baud_rate" json:"baudRate"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type BridgeConfig struct {
	SettleDelayMs     int `yaml:"settle_delay_ms" json:"settleDelayMs"`
	ResponseAttempts  int `yaml:"response_attempts" json:"responseAttempts"`
	AttemptIntervalMs int `yaml:"attempt_interval_ms" json:"attemptIntervalMs"`
	PollIntervalMs    int `yaml:"poll_interval_ms" json:"pollIntervalMs"`
	ProbeGapMs        int `yaml:"probe_gap_ms" json:"probeGapMs"` // Between cars in the car test
}

type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastHz   int    `yaml:"broadcast_hz" json:"broadcastHz"`     // Car table push rate
	PersistConfig bool   `yaml:"persist_config" json:"persistConfig"` // Save speed changes to disk
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	timings := bridge.DefaultConfig()
	return &Config{
		Serial: SerialConfig{
			Type:          "serial",
			PortPath:      "/dev/ttyUSB0",
			BaudRate:      115200,
			ReadTimeoutMs: 20,
		},
		Bridge: BridgeConfig{
			SettleDelayMs:     int(timings.SettleDelay / time.Millisecond),
			ResponseAttempts:  timings.ResponseAttempts,
			AttemptIntervalMs: int(timings.AttemptInterval / time.Millisecond),
			PollIntervalMs:    int(timings.PollInterval / time.Millisecond),
			ProbeGapMs:        int(timings.ProbeGap / time.Millisecond),
		},
		Speed: protocol.DefaultSpeedConfig(),
		Recording: recorder.Config{
			Enabled: false,
			Path:    "recordings",
		},
		MQTT: relay.DefaultConfig(),
		Server: ServerConfig{
			ListenAddr:  ":5000",
			BroadcastHz: 10,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config file, then in the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Speed.Validate(); err != nil {
		log.Printf("[config] %v, using default speed", err)
		cfg.Speed = protocol.DefaultSpeedConfig()
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: SERIAL_TYPE, SERIAL_PORT, SERIAL_BAUD, LISTEN_ADDR,
// RECORD_ENABLED, RECORD_PATH, MQTT_ENABLED, MQTT_BROKER, MQTT_USERNAME,
// MQTT_PASSWORD
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SERIAL_TYPE"); v != "" {
		c.Serial.Type = v
	}
	if v := os.Getenv("SERIAL_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Recording
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recording.Enabled = truthy(v)
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recording.Path = v
	}
	// MQTT
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// LinkConfig returns the serial parameters for link.OpenSerial.
func (c *Config) LinkConfig() link.Config {
	return link.Config{
		PortPath:    c.Serial.PortPath,
		BaudRate:    c.Serial.BaudRate,
		ReadTimeout: time.Duration(c.Serial.ReadTimeoutMs) * time.Millisecond,
	}
}

// Timings converts the bridge section.
func (c *Config) Timings() bridge.Config {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return bridge.Config{
		SettleDelay:      ms(c.Bridge.SettleDelayMs),
		ResponseAttempts: c.Bridge.ResponseAttempts,
		AttemptInterval:  ms(c.Bridge.AttemptIntervalMs),
		PollInterval:     ms(c.Bridge.PollIntervalMs),
		ProbeGap:         ms(c.Bridge.ProbeGapMs),
	}
}

// SpeedConfig returns the current speed parameters.
func (c *Config) SpeedConfig() protocol.SpeedConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Speed
}

// SpeedPatch is a partial speed update. Nil fields keep their value.
type SpeedPatch struct {
	AccelerationRate *float64 `json:"acceleration_rate"`
	MaxSpeed         *float64 `json:"max_speed"`
	InitialSpeed     *float64 `json:"initial_speed"`
}

// UpdateSpeed applies p if the result is within range and returns the new
// speed parameters. On error nothing changes.
func (c *Config) UpdateSpeed(p SpeedPatch) (protocol.SpeedConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.Speed
	if p.AccelerationRate != nil {
		next.AccelerationRate = *p.AccelerationRate
	}
	if p.MaxSpeed != nil {
		next.MaxSpeed = *p.MaxSpeed
	}
	if p.InitialSpeed != nil {
		next.InitialSpeed = *p.InitialSpeed
	}
	if err := next.Validate(); err != nil {
		return c.Speed, err
	}
	c.Speed = next
	return next, nil
}
