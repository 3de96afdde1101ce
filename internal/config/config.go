package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	Listen    string          `yaml:"listen"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	UDP       UDPConfig       `yaml:"udp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	LED       LEDConfig       `yaml:"led"`
	Log       LogConfig       `yaml:"log"`
}

type SerialConfig struct {
	// Candidates are ordered device matchers; the first one matching any
	// enumerated port wins.
	Candidates       []string      `yaml:"candidates"`
	Baud             int           `yaml:"baud"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxLineBytes     int           `yaml:"max_line_bytes"`
	Marker           string        `yaml:"marker"`
	Simulate         bool          `yaml:"simulate"`
	SimulateInterval time.Duration `yaml:"simulate_interval"`
}

type WebSocketConfig struct {
	SendBuffer   int           `yaml:"send_buffer"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      int    `yaml:"qos"`
}

type LEDConfig struct {
	Enable bool `yaml:"enable"`
	Pin    int  `yaml:"pin"`
}

type LogConfig struct {
	Level  string        `yaml:"level"`
	Format string        `yaml:"format"`
	File   LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SupportedBauds are the line rates the serial driver can configure.
var SupportedBauds = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600}

// Default returns a fully defaulted configuration, as used when no config
// file is given.
func Default() Config {
	var cfg Config
	_ = cfg.DefaultAndValidate()
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && unknownFieldsOnly(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(stripLines(te.Errors), "; "))
		}
		return Config{}, err
	}

	if err := cfg.DefaultAndValidate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var linePrefix = regexp.MustCompile(`^line \d+: `)

func stripLines(errs []string) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, linePrefix.ReplaceAllString(e, ""))
	}
	return out
}

func unknownFieldsOnly(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, "not found in type") {
			return false
		}
	}
	return len(te.Errors) > 0
}

// DefaultAndValidate fills unset values and rejects inconsistent ones. It is
// safe to call again after flag overrides.
func (c *Config) DefaultAndValidate() error {
	// Serial link.
	if c.Serial.Candidates == nil {
		c.Serial.Candidates = []string{"ttyUSB0", "ttyACM0"}
	}
	candidates := make([]string, 0, len(c.Serial.Candidates))
	for _, p := range c.Serial.Candidates {
		if p = strings.TrimSpace(p); p != "" {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return fmt.Errorf("serial.candidates must not be empty")
	}
	c.Serial.Candidates = candidates

	if c.Serial.Baud == 0 {
		c.Serial.Baud = 115200
	}
	if !baudSupported(c.Serial.Baud) {
		return fmt.Errorf("serial.baud %d is not supported", c.Serial.Baud)
	}
	if c.Serial.RetryDelay == 0 {
		c.Serial.RetryDelay = 2 * time.Second
	}
	if c.Serial.RetryDelay < 0 {
		return fmt.Errorf("serial.retry_delay must be > 0")
	}
	if c.Serial.MaxLineBytes == 0 {
		c.Serial.MaxLineBytes = 4096
	}
	if c.Serial.MaxLineBytes < 256 {
		return fmt.Errorf("serial.max_line_bytes must be >= 256")
	}
	c.Serial.Marker = strings.TrimSpace(c.Serial.Marker)
	if c.Serial.Marker == "" {
		c.Serial.Marker = "<ZEPH>"
	}
	if strings.Contains(c.Serial.Marker, ",") {
		return fmt.Errorf("serial.marker must not contain ','")
	}
	if c.Serial.SimulateInterval == 0 {
		c.Serial.SimulateInterval = 200 * time.Millisecond
	}
	if c.Serial.SimulateInterval < 0 {
		return fmt.Errorf("serial.simulate_interval must be > 0")
	}

	// Listener.
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen must be host:port: %w", err)
	}

	if c.WebSocket.SendBuffer == 0 {
		c.WebSocket.SendBuffer = 64
	}
	if c.WebSocket.SendBuffer < 0 {
		return fmt.Errorf("websocket.send_buffer must be > 0")
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = 5 * time.Second
	}
	if c.WebSocket.WriteTimeout < 0 {
		return fmt.Errorf("websocket.write_timeout must be > 0")
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
	if c.WebSocket.PingInterval < 0 {
		return fmt.Errorf("websocket.ping_interval must be > 0")
	}

	// Optional sinks.
	c.UDP.Dest = strings.TrimSpace(c.UDP.Dest)
	if c.UDP.Enable && c.UDP.Dest == "" {
		return fmt.Errorf("udp.dest is required when udp.enable is true")
	}

	c.MQTT.Broker = strings.TrimSpace(c.MQTT.Broker)
	c.MQTT.Topic = strings.TrimSpace(c.MQTT.Topic)
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "zephirus-bridge"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "zephirus/telemetry"
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if c.LED.Pin == 0 {
		c.LED.Pin = 17
	}
	if c.LED.Pin < 0 {
		return fmt.Errorf("led.pin must be > 0")
	}

	// Logging.
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	switch c.Log.Format {
	case "":
		c.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	if c.Log.File.MaxSizeMB <= 0 {
		c.Log.File.MaxSizeMB = 10
	}
	if c.Log.File.MaxBackups <= 0 {
		c.Log.File.MaxBackups = 3
	}
	if c.Log.File.MaxAgeDays <= 0 {
		c.Log.File.MaxAgeDays = 7
	}

	return nil
}

func baudSupported(b int) bool {
	for _, s := range SupportedBauds {
		if s == b {
			return true
		}
	}
	return false
}
