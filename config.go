package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 19200)
	BaudRate int `yaml:"baud_rate"`
	// PowerLine is the serial control line wired to the sleep pin: "dtr", "rts" or "none"
	PowerLine string `yaml:"power_line"`
	// PowerActiveLow inverts the level of PowerLine
	PowerActiveLow bool `yaml:"power_active_low"`
	// AutoBegin powers the modem up when the gateway starts
	AutoBegin bool `yaml:"auto_begin"`
	// ATTimeout bounds ordinary commands; zero keeps the driver default
	ATTimeout time.Duration `yaml:"at_timeout"`
	// StartupTimeout bounds the probe loop of Begin; zero keeps the driver default
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// SessionTimeout bounds an SBD session; zero keeps the driver default
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// LogFile, when set, receives the log instead of stderr and is rotated
	LogFile string `yaml:"log_file"`
	// LogMaxSize is the size in megabytes at which LogFile is rotated
	LogMaxSize int `yaml:"log_max_size"`
	// LogMaxBackups is the number of rotated files kept
	LogMaxBackups int `yaml:"log_max_backups"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.PowerLine {
	case "none", "dtr", "rts":
	default:
		return fmt.Errorf("power line must be dtr, rts or none, got %q", c.PowerLine)
	}
	if c.BaudRate <= 0 {
		return fmt.Errorf("invalid baud rate %d", c.BaudRate)
	}
	if c.SerialPort == "" {
		return errors.New("serial port is required")
	}
	return nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 19200
		c.PowerLine = "none"
		c.AutoBegin = true
		c.LogLevel = "info"
		c.LogMaxSize = 10
		c.LogMaxBackups = 3
		return nil
	}
}

// WithFile loads configuration from a YAML file. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if line := os.Getenv("POWER_LINE"); line != "" {
			c.PowerLine = strings.ToLower(line)
		}

		if low := os.Getenv("POWER_ACTIVE_LOW"); low != "" {
			if b, err := strconv.ParseBool(low); err == nil {
				c.PowerActiveLow = b
			}
		}

		if begin := os.Getenv("AUTO_BEGIN"); begin != "" {
			if b, err := strconv.ParseBool(begin); err == nil {
				c.AutoBegin = b
			}
		}

		for name, dst := range map[string]*time.Duration{
			"AT_TIMEOUT":      &c.ATTimeout,
			"STARTUP_TIMEOUT": &c.StartupTimeout,
			"SESSION_TIMEOUT": &c.SessionTimeout,
		} {
			if v := os.Getenv(name); v != "" {
				d, err := time.ParseDuration(v)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				*dst = d
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if file := os.Getenv("LOG_FILE"); file != "" {
			c.LogFile = file
		}

		return nil
	}
}

// Options are the command line flags. Unset flags leave the configuration
// untouched.
type Options struct {
	ConfigFile     string        `short:"c" long:"config" description:"YAML configuration file"`
	BindAddress    string        `long:"bind-address" description:"Bind address for the HTTP server"`
	SerialPort     string        `long:"serial-port" description:"Serial port to connect to the modem"`
	BaudRate       int           `long:"baud-rate" description:"Baud rate for serial communication"`
	PowerLine      string        `long:"power-line" description:"Serial control line wired to the sleep pin" choice:"dtr" choice:"rts" choice:"none"`
	PowerActiveLow bool          `long:"power-active-low" description:"Sleep pin is driven active low"`
	NoAutoBegin    bool          `long:"no-auto-begin" description:"Leave the modem asleep at startup"`
	ATTimeout      time.Duration `long:"at-timeout" description:"Timeout of ordinary AT commands"`
	StartupTimeout time.Duration `long:"startup-timeout" description:"Timeout of the startup probe loop"`
	SessionTimeout time.Duration `long:"session-timeout" description:"Timeout of an SBD session"`
	LogLevel       string        `long:"log-level" description:"Log level (debug, info, warn, error)"`
	LogFile        string        `long:"log-file" description:"Rotated log file instead of stderr"`
}

// WithFlags loads configuration from parsed command-line flags
func WithFlags(opts *Options) ConfigOption {
	return func(c *Config) error {
		if opts == nil {
			return nil
		}
		if opts.BindAddress != "" {
			c.BindAddress = opts.BindAddress
		}
		if opts.SerialPort != "" {
			c.SerialPort = opts.SerialPort
		}
		if opts.BaudRate != 0 {
			c.BaudRate = opts.BaudRate
		}
		if opts.PowerLine != "" {
			c.PowerLine = opts.PowerLine
		}
		if opts.PowerActiveLow {
			c.PowerActiveLow = true
		}
		if opts.NoAutoBegin {
			c.AutoBegin = false
		}
		if opts.ATTimeout != 0 {
			c.ATTimeout = opts.ATTimeout
		}
		if opts.StartupTimeout != 0 {
			c.StartupTimeout = opts.StartupTimeout
		}
		if opts.SessionTimeout != 0 {
			c.SessionTimeout = opts.SessionTimeout
		}
		if opts.LogLevel != "" {
			c.LogLevel = opts.LogLevel
		}
		if opts.LogFile != "" {
			c.LogFile = opts.LogFile
		}
		return nil
	}
}
