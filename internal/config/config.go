package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sonarled/internal/hba"
	"github.com/banshee-data/sonarled/internal/level"
)

// Environment variables that override file settings.
const (
	EnvSensor   = "SONARLED_SENSOR"
	EnvActuator = "SONARLED_ACTUATOR"
	EnvLogLevel = "SONARLED_LOG_LEVEL"
	EnvDatabase = "SONARLED_DB"
)

// DefaultAddress is where the hbaserver listens in the reference deployment.
const DefaultAddress = "localhost:8870"

// Parse error policies.
const (
	PolicyFatal = "fatal"
	PolicySkip  = "skip"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the on-disk configuration. Every field is optional; the Get*
// methods supply defaults for anything left unset so partial files are safe.
type Config struct {
	Sensor   *EndpointConfig `json:"sensor,omitempty" yaml:"sensor,omitempty" toml:"sensor,omitempty"`
	Actuator *EndpointConfig `json:"actuator,omitempty" yaml:"actuator,omitempty" toml:"actuator,omitempty"`

	// Durations are strings like "100ms".
	PollInterval *string `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	SettleDelay  *string `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty" toml:"settle_delay,omitempty"`
	DialTimeout  *string `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
	IOTimeout    *string `json:"io_timeout,omitempty" yaml:"io_timeout,omitempty" toml:"io_timeout,omitempty"`

	// Bucket table. Levels and FinalLevel are hex strings ("1f" or "0x1f").
	Step       *uint64  `json:"step,omitempty" yaml:"step,omitempty" toml:"step,omitempty"`
	Levels     []string `json:"levels,omitempty" yaml:"levels,omitempty" toml:"levels,omitempty"`
	FinalLevel *string  `json:"final_level,omitempty" yaml:"final_level,omitempty" toml:"final_level,omitempty"`

	SetupCommands  []string `json:"setup_commands,omitempty" yaml:"setup_commands,omitempty" toml:"setup_commands,omitempty"`
	SensorModule   *string  `json:"sensor_module,omitempty" yaml:"sensor_module,omitempty" toml:"sensor_module,omitempty"`
	SensorField    *string  `json:"sensor_field,omitempty" yaml:"sensor_field,omitempty" toml:"sensor_field,omitempty"`
	ActuatorModule *string  `json:"actuator_module,omitempty" yaml:"actuator_module,omitempty" toml:"actuator_module,omitempty"`
	ActuatorField  *string  `json:"actuator_field,omitempty" yaml:"actuator_field,omitempty" toml:"actuator_field,omitempty"`

	OnParseError  *string `json:"on_parse_error,omitempty" yaml:"on_parse_error,omitempty" toml:"on_parse_error,omitempty"`
	MaxIterations *int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`

	// Database is the SQLite reading log path. Empty disables the log.
	Database *string `json:"database,omitempty" yaml:"database,omitempty" toml:"database,omitempty"`

	Log *LogConfig `json:"log,omitempty" yaml:"log,omitempty" toml:"log,omitempty"`
}

// EndpointConfig selects how one peer is reached.
type EndpointConfig struct {
	Network string          `json:"network,omitempty" yaml:"network,omitempty" toml:"network,omitempty"`
	Address string          `json:"address,omitempty" yaml:"address,omitempty" toml:"address,omitempty"`
	Serial  hba.PortOptions `json:"serial,omitempty" yaml:"serial,omitempty" toml:"serial,omitempty"`
}

// LogConfig mirrors monitoring.Options.
type LogConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty" toml:"level,omitempty"`
	File  string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a configuration file. The format follows the extension: .json,
// .yaml/.yml or .toml. The result is validated.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml, .yml or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(cfg)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(cfg)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case ".toml":
		var md toml.MetaData
		md, err = toml.Decode(string(data), cfg)
		if err == nil {
			if undecoded := md.Undecoded(); len(undecoded) > 0 {
				err = fmt.Errorf("unknown keys %v", undecoded)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides file settings from the environment. getenv is usually
// os.Getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSensor)); v != "" {
		c.Sensor = &EndpointConfig{Network: hba.NetworkTCP, Address: v}
	}
	if v := strings.TrimSpace(getenv(EnvActuator)); v != "" {
		c.Actuator = &EndpointConfig{Network: hba.NetworkTCP, Address: v}
	}
	if v := strings.TrimSpace(getenv(EnvLogLevel)); v != "" {
		if c.Log == nil {
			c.Log = &LogConfig{}
		}
		c.Log.Level = v
	}
	if v := strings.TrimSpace(getenv(EnvDatabase)); v != "" {
		c.Database = ptrString(v)
	}
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	endpoints := []struct {
		name string
		ep   *EndpointConfig
	}{{"sensor", c.Sensor}, {"actuator", c.Actuator}}
	for _, e := range endpoints {
		name, ep := e.name, e.ep
		if ep == nil {
			continue
		}
		switch ep.Network {
		case "", hba.NetworkTCP:
		case hba.NetworkSerial:
			if _, err := ep.Serial.Normalize(); err != nil {
				return fmt.Errorf("%s serial options: %w", name, err)
			}
		default:
			return fmt.Errorf("%s network must be %q or %q, got %q", name, hba.NetworkTCP, hba.NetworkSerial, ep.Network)
		}
		if strings.TrimSpace(ep.Address) == "" {
			return fmt.Errorf("%s address must not be empty", name)
		}
	}

	durations := []struct {
		name     string
		value    *string
		positive bool
	}{
		{"poll_interval", c.PollInterval, true},
		{"settle_delay", c.SettleDelay, false},
		{"dial_timeout", c.DialTimeout, false},
		{"io_timeout", c.IOTimeout, false},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if parsed < 0 || (d.positive && parsed == 0) {
			return fmt.Errorf("%s must be positive, got %s", d.name, parsed)
		}
	}

	if c.Step != nil && *c.Step == 0 {
		return fmt.Errorf("step must be positive")
	}
	table, err := c.table()
	if err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return fmt.Errorf("invalid bucket table: %w", err)
	}

	if c.OnParseError != nil {
		switch *c.OnParseError {
		case PolicyFatal, PolicySkip:
		default:
			return fmt.Errorf("on_parse_error must be %q or %q, got %q", PolicyFatal, PolicySkip, *c.OnParseError)
		}
	}

	if c.MaxIterations != nil && *c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", *c.MaxIterations)
	}

	for _, cmd := range c.SetupCommands {
		if strings.ContainsAny(strings.TrimSuffix(cmd, "\n"), "\n\\") {
			return fmt.Errorf("setup command %q must be a single line without backslashes", cmd)
		}
	}

	return nil
}

func parseHexByte(raw string) (uint8, error) {
	s := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("level %q must be a hex byte (00-ff): %w", raw, err)
	}
	return uint8(v), nil
}

func (c *Config) table() (level.Table, error) {
	levels := level.DefaultLevels
	if len(c.Levels) > 0 {
		levels = make([]uint8, len(c.Levels))
		for i, raw := range c.Levels {
			v, err := parseHexByte(raw)
			if err != nil {
				return level.Table{}, err
			}
			levels[i] = v
		}
	}
	final := level.DefaultFinal
	if c.FinalLevel != nil && *c.FinalLevel != "" {
		v, err := parseHexByte(*c.FinalLevel)
		if err != nil {
			return level.Table{}, err
		}
		final = v
	}
	return level.NewTable(c.GetStep(), levels, final), nil
}

func endpoint(ep *EndpointConfig) hba.Endpoint {
	if ep == nil {
		return hba.TCPEndpoint(DefaultAddress)
	}
	network := ep.Network
	if network == "" {
		network = hba.NetworkTCP
	}
	return hba.Endpoint{Network: network, Address: ep.Address, Serial: ep.Serial}
}

func duration(value *string, def time.Duration) time.Duration {
	if value == nil || *value == "" {
		return def
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func stringOr(value *string, def string) string {
	if value == nil || *value == "" {
		return def
	}
	return *value
}

// GetSensorEndpoint returns the sensor peer, localhost:8870 by default.
func (c *Config) GetSensorEndpoint() hba.Endpoint { return endpoint(c.Sensor) }

// GetActuatorEndpoint returns the actuator peer, localhost:8870 by default.
func (c *Config) GetActuatorEndpoint() hba.Endpoint { return endpoint(c.Actuator) }

// GetPollInterval returns the pause between polls.
func (c *Config) GetPollInterval() time.Duration {
	return duration(c.PollInterval, 100*time.Millisecond)
}

// GetSettleDelay returns the pause after the setup commands.
func (c *Config) GetSettleDelay() time.Duration {
	return duration(c.SettleDelay, 500*time.Millisecond)
}

// GetDialOptions returns connect and per-exchange timeouts. Both default to
// zero, which means wait indefinitely.
func (c *Config) GetDialOptions() hba.DialOptions {
	return hba.DialOptions{
		DialTimeout: duration(c.DialTimeout, 0),
		IOTimeout:   duration(c.IOTimeout, 0),
	}
}

func (c *Config) GetStep() uint64 {
	if c.Step == nil || *c.Step == 0 {
		return level.DefaultStep
	}
	return *c.Step
}

// GetTable returns the bucket table. Load has already validated it; a table
// that fails to parse falls back to the default.
func (c *Config) GetTable() level.Table {
	table, err := c.table()
	if err != nil {
		return level.DefaultTable(level.DefaultStep)
	}
	return table
}

// GetSetupCommands returns the commands sent to the sensor before polling.
func (c *Config) GetSetupCommands() []string {
	if c.SetupCommands == nil {
		return []string{
			hba.SetCommand("serial_fpga", "port", "/dev/ttyUSB1"),
			hba.SetCommand("hba_sonar", "ctrl", "1"),
		}
	}
	return append([]string(nil), c.SetupCommands...)
}

// GetSensorCommand returns the get command that reads one distance.
func (c *Config) GetSensorCommand() string {
	return hba.GetCommand(stringOr(c.SensorModule, "hba_sonar"), stringOr(c.SensorField, "sonar0"))
}

func (c *Config) GetActuatorModule() string { return stringOr(c.ActuatorModule, "hba_basicio") }
func (c *Config) GetActuatorField() string  { return stringOr(c.ActuatorField, "leds") }

// GetParseErrorPolicy returns PolicyFatal unless configured otherwise.
func (c *Config) GetParseErrorPolicy() string { return stringOr(c.OnParseError, PolicyFatal) }

func (c *Config) GetMaxIterations() int {
	if c.MaxIterations == nil {
		return 0
	}
	return *c.MaxIterations
}

func (c *Config) GetDatabase() string { return stringOr(c.Database, "") }

func (c *Config) GetLogLevel() string {
	if c.Log == nil || c.Log.Level == "" {
		return "info"
	}
	return c.Log.Level
}

func (c *Config) GetLogFile() string {
	if c.Log == nil {
		return ""
	}
	return c.Log.File
}
