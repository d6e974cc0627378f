package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Buspro gateway
// daemon. All configuration is loaded from YAML and can be overridden
// by environment variables.
type Config struct {
	Site     SiteConfig     `yaml:"site"`
	Buspro   BusproConfig   `yaml:"buspro"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// BusproConfig contains HDL Buspro bus connection settings.
type BusproConfig struct {
	// Gateway is the HDL Ethernet gateway the daemon talks to.
	Gateway BusproGatewayConfig `yaml:"gateway"`

	// SourceSubnet and SourceDevice identify the daemon on the bus.
	// Default: 200.200, outside the range installers assign to modules.
	SourceSubnet uint8 `yaml:"source_subnet"`
	SourceDevice uint8 `yaml:"source_device"`

	// Subnets lists the bus subnets swept during discovery. Empty means
	// subnets 1 through 20.
	Subnets []uint8 `yaml:"subnets"`

	// TimeoutSeconds bounds each correlated request.
	// Default: 2
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries caps transport-error re-sends per request.
	// Default: 3
	MaxRetries int `yaml:"max_retries"`

	// PollIntervalSeconds is the gap between status sweeps. 0 selects
	// the default (30); negative disables polling.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// DiscoveryWindowSeconds is how long each subnet scan collects
	// replies. Default: 3
	DiscoveryWindowSeconds int `yaml:"discovery_window_seconds"`

	// DiscoverOnStart runs a full discovery sweep when the daemon
	// starts, so polling and the API have a device catalog to work
	// from. Default: true
	DiscoverOnStart bool `yaml:"discover_on_start"`
}

// BusproGatewayConfig contains HDL Ethernet gateway connection details.
type BusproGatewayConfig struct {
	Host string `yaml:"host"`

	// Port is the gateway UDP port. Default: 6000
	Port int `yaml:"port"`

	// Format selects the outgoing wire framing: "hdlmiracle" (Ethernet
	// gateway framing with CRC-16 trailer) or "raw" (bare bus framing
	// with additive checksum). Default: hdlmiracle
	Format string `yaml:"format"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BUSPRO_SECTION_KEY
// For example: BUSPRO_GATEWAY_HOST, BUSPRO_MQTT_PASSWORD
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Buspro Gateway",
			Timezone: "UTC",
		},
		Buspro: BusproConfig{
			Gateway: BusproGatewayConfig{
				Port:   6000,
				Format: "hdlmiracle",
			},
			SourceSubnet:           200,
			SourceDevice:           200,
			TimeoutSeconds:         2,
			MaxRetries:             3,
			PollIntervalSeconds:    30,
			DiscoveryWindowSeconds: 3,
			DiscoverOnStart:        true,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "buspro-gateway",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables follow the pattern:
// BUSPRO_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BUSPRO_GATEWAY_HOST"); v != "" {
		cfg.Buspro.Gateway.Host = v
	}

	if v := os.Getenv("BUSPRO_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BUSPRO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("BUSPRO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("BUSPRO_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	if v := os.Getenv("BUSPRO_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Buspro.Gateway.Host == "" {
		errs = append(errs, "buspro.gateway.host is required (set BUSPRO_GATEWAY_HOST environment variable)")
	}
	if c.Buspro.Gateway.Port < 1 || c.Buspro.Gateway.Port > 65535 {
		errs = append(errs, "buspro.gateway.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Buspro.Gateway.Format) {
	case "hdlmiracle", "raw":
	default:
		errs = append(errs, "buspro.gateway.format must be \"hdlmiracle\" or \"raw\"")
	}
	if c.Buspro.TimeoutSeconds < 1 {
		errs = append(errs, "buspro.timeout_seconds must be at least 1")
	}
	if c.Buspro.MaxRetries < 0 {
		errs = append(errs, "buspro.max_retries must not be negative")
	}
	for _, subnet := range c.Buspro.Subnets {
		if subnet == 0 {
			errs = append(errs, "buspro.subnets must not contain 0")
			break
		}
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Token == "" {
			errs = append(errs, "influxdb.token is required when influxdb is enabled (set BUSPRO_INFLUXDB_TOKEN environment variable)")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// RequestTimeout returns the Buspro request timeout as a Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Buspro.TimeoutSeconds) * time.Second
}

// PollInterval returns the poll interval as a Duration. Negative means
// polling is disabled.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Buspro.PollIntervalSeconds) * time.Second
}

// DiscoveryWindow returns the discovery collection window as a Duration.
func (c *Config) DiscoveryWindow() time.Duration {
	return time.Duration(c.Buspro.DiscoveryWindowSeconds) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
