package modem

import (
	"io"
	"log/slog"
	"maps"
	"time"
)

const (
	// DefaultATTimeout bounds the wait for an ordinary command response.
	DefaultATTimeout = 20 * time.Second
	// DefaultStartupTimeout bounds the AT probe loop of Begin.
	DefaultStartupTimeout = 300 * time.Second
	// DefaultSessionTimeout bounds an AT+SBDIX satellite session.
	DefaultSessionTimeout = 60 * time.Second
	// DefaultPollInterval is the pause between empty transport reads.
	DefaultPollInterval = 10 * time.Millisecond
)

// DefaultWriteStatusTable maps the nonzero status codes the 9602/9603
// report after a binary upload (AT+SBDWB) to protocol error reasons.
var DefaultWriteStatusTable = map[int]Reason{
	1: ReasonWriteTimeout,
	2: ReasonChecksumMismatch,
	3: ReasonLengthMismatch,
}

// Config holds the settings of a Modem. Build it with NewConfigBuilder.
type Config struct {
	dialer           Dialer
	power            PowerControl
	clock            Clock
	logger           *slog.Logger
	atTimeout        time.Duration
	startupTimeout   time.Duration
	sessionTimeout   time.Duration
	pollInterval     time.Duration
	writeStatusTable map[int]Reason
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.clock == nil {
		c.clock = SystemClock()
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.atTimeout <= 0 {
		c.atTimeout = DefaultATTimeout
	}
	if c.startupTimeout <= 0 {
		c.startupTimeout = DefaultStartupTimeout
	}
	if c.sessionTimeout <= 0 {
		c.sessionTimeout = DefaultSessionTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.writeStatusTable == nil {
		c.writeStatusTable = maps.Clone(DefaultWriteStatusTable)
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

// NewConfigBuilder returns an empty builder. Every unset value takes its default.
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

// WithDialer sets how the transport is opened. Required.
func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

// WithPower sets the sleep pin control. Without it the modem is treated as
// always powered and Sleep fails with ErrNoSleepPin.
func (b *ConfigBuilder) WithPower(p PowerControl) *ConfigBuilder {
	b.config.power = p
	return b
}

// WithClock replaces the system clock.
func (b *ConfigBuilder) WithClock(c Clock) *ConfigBuilder {
	b.config.clock = c
	return b
}

// WithLogger sets the diagnostic sink.
func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

func (b *ConfigBuilder) WithStartupTimeout(d time.Duration) *ConfigBuilder {
	b.config.startupTimeout = d
	return b
}

func (b *ConfigBuilder) WithSessionTimeout(d time.Duration) *ConfigBuilder {
	b.config.sessionTimeout = d
	return b
}

func (b *ConfigBuilder) WithPollInterval(d time.Duration) *ConfigBuilder {
	b.config.pollInterval = d
	return b
}

// WithWriteStatusTable replaces the binary upload status code table, for
// firmware whose codes differ from DefaultWriteStatusTable.
func (b *ConfigBuilder) WithWriteStatusTable(table map[int]Reason) *ConfigBuilder {
	b.config.writeStatusTable = maps.Clone(table)
	return b
}

// Build validates the configuration and fills in defaults.
func (b *ConfigBuilder) Build() (Config, error) {
	config := b.config
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	config.setDefaults()
	return config, nil
}
