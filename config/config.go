// Package config loads the bridge configuration from a JSON file with
// FACEBRIDGE_* environment overrides, and builds the per-component
// configurations from it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/c360/facebridge/authority"
	"github.com/c360/facebridge/device"
	"github.com/c360/facebridge/errors"
	"github.com/c360/facebridge/service"
	"github.com/c360/facebridge/syncer"
)

// envPrefix is the prefix of every environment override.
const envPrefix = "FACEBRIDGE"

// Duration is a time.Duration that unmarshals from JSON duration strings
// ("3s", "500ms") or bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(val * float64(time.Second)))
		return nil
	default:
		return fmt.Errorf("invalid duration value: %v", v)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NATSConfig locates the record store.
type NATSConfig struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// AuthorityConfig is the file form of the outbound client settings. An
// empty URL means no authority; the bridge runs server-only.
type AuthorityConfig struct {
	URL              string   `json:"url"`
	RequestTimeout   Duration `json:"request_timeout"`
	HandshakeTimeout Duration `json:"handshake_timeout"`

	ReconnectInitial    Duration `json:"reconnect_initial"`
	ReconnectMax        Duration `json:"reconnect_max"`
	ReconnectMultiplier float64  `json:"reconnect_multiplier"`
	ReconnectMaxRetries int      `json:"reconnect_max_retries"`
}

// SyncConfig is the file form of the pipeline settings.
type SyncConfig struct {
	PollInterval Duration `json:"poll_interval"`
	PollLimit    int      `json:"poll_limit"`
	QueueSize    int      `json:"queue_size"`
}

// Config is the complete bridge configuration.
type Config struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	MetricsAddr string   `json:"metrics_addr"`
	StopTimeout Duration `json:"stop_timeout"`

	NATS      NATSConfig      `json:"nats"`
	Device    device.Config   `json:"device"`
	Authority AuthorityConfig `json:"authority"`
	Sync      SyncConfig      `json:"sync"`
}

// Default returns the built-in configuration.
func Default() *Config {
	authDefaults := authority.DefaultConfig()
	syncDefaults := syncer.DefaultConfig()
	return &Config{
		LogLevel:    "info",
		LogFormat:   "json",
		StopTimeout: Duration(10 * time.Second),
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "facebridge",
		},
		Device: device.DefaultConfig(),
		Authority: AuthorityConfig{
			RequestTimeout:      Duration(authDefaults.RequestTimeout),
			HandshakeTimeout:    Duration(authDefaults.HandshakeTimeout),
			ReconnectInitial:    Duration(authDefaults.Reconnect.InitialInterval),
			ReconnectMax:        Duration(authDefaults.Reconnect.MaxInterval),
			ReconnectMultiplier: authDefaults.Reconnect.Multiplier,
		},
		Sync: SyncConfig{
			PollInterval: Duration(syncDefaults.PollInterval),
			PollLimit:    syncDefaults.PollLimit,
			QueueSize:    syncDefaults.QueueSize,
		},
	}
}

// Load reads the configuration file at path, layered over Default().
// An empty path yields the defaults. Environment overrides are applied
// last and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse "+path)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if val := os.Getenv(envPrefix + "_LOG_LEVEL"); val != "" {
		c.LogLevel = val
	}
	if val := os.Getenv(envPrefix + "_LOG_FORMAT"); val != "" {
		c.LogFormat = val
	}
	if val := os.Getenv(envPrefix + "_METRICS_ADDR"); val != "" {
		c.MetricsAddr = val
	}
	if val := os.Getenv(envPrefix + "_NATS_URL"); val != "" {
		c.NATS.URL = val
	}
	if val := os.Getenv(envPrefix + "_DEVICE_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Device.Port = port
		}
	}
	if val := os.Getenv(envPrefix + "_DEVICE_SN"); val != "" {
		c.Device.SerialNumber = val
	}
	if val := os.Getenv(envPrefix + "_DEVICE_CPUSN"); val != "" {
		c.Device.CPUSerial = val
	}
	if val := os.Getenv(envPrefix + "_AUTH_POLICY"); val != "" {
		c.Device.AuthPolicy = device.AuthPolicy(val)
	}
	if val := os.Getenv(envPrefix + "_AUTHORITY_URL"); val != "" {
		c.Authority.URL = val
	}
}

// Validate checks the loaded configuration. The authority section is only
// validated when an endpoint is configured.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "check nats url")
	}
	if err := c.Device.Validate(); err != nil {
		return err
	}
	if c.Authority.URL != "" {
		if err := c.AuthorityConfig().Validate(); err != nil {
			return err
		}
		if err := c.SyncConfig().Validate(); err != nil {
			return err
		}
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("invalid log format: %s", c.LogFormat),
			"config", "Validate", "check log format")
	}
	return nil
}

// HasAuthority reports whether an outbound endpoint is configured.
func (c *Config) HasAuthority() bool {
	return c.Authority.URL != ""
}

// AuthorityConfig builds the outbound client configuration. The
// credential pair is shared with the device section.
func (c *Config) AuthorityConfig() authority.Config {
	return authority.Config{
		URL:              c.Authority.URL,
		SerialNumber:     c.Device.SerialNumber,
		CPUSerial:        c.Device.CPUSerial,
		RequestTimeout:   c.Authority.RequestTimeout.Std(),
		HandshakeTimeout: c.Authority.HandshakeTimeout.Std(),
		Reconnect: authority.ReconnectConfig{
			InitialInterval: c.Authority.ReconnectInitial.Std(),
			MaxInterval:     c.Authority.ReconnectMax.Std(),
			Multiplier:      c.Authority.ReconnectMultiplier,
			MaxRetries:      c.Authority.ReconnectMaxRetries,
		},
	}
}

// SyncConfig builds the pipeline configuration.
func (c *Config) SyncConfig() syncer.Config {
	return syncer.Config{
		PollInterval: c.Sync.PollInterval.Std(),
		PollLimit:    c.Sync.PollLimit,
		QueueSize:    c.Sync.QueueSize,
	}
}

// ServiceConfig builds the supervisor configuration.
func (c *Config) ServiceConfig() service.Config {
	return service.Config{
		MetricsAddr: c.MetricsAddr,
		StopTimeout: c.StopTimeout.Std(),
	}
}
