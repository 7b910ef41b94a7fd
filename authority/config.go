package authority

import (
	"fmt"
	"time"

	"github.com/c360/facebridge/errors"
)

// ReconnectConfig governs the outbound re-dial backoff.
type ReconnectConfig struct {
	InitialInterval time.Duration `json:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval"`
	Multiplier      float64       `json:"multiplier"`
	MaxRetries      int           `json:"max_retries"` // 0 = unlimited
}

// Config holds the outbound client settings.
type Config struct {
	URL          string `json:"url"`
	SerialNumber string `json:"serial_number"`
	CPUSerial    string `json:"cpu_serial"`

	RequestTimeout   time.Duration   `json:"request_timeout"`
	HandshakeTimeout time.Duration   `json:"handshake_timeout"`
	Reconnect        ReconnectConfig `json:"reconnect"`
}

// DefaultConfig returns the client defaults. The URL has no default; the
// authority endpoint must be configured.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   10 * time.Second,
		HandshakeTimeout: 45 * time.Second,
		Reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "authority", "Validate", "check url")
	}
	if c.RequestTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("request timeout must be positive: %v", c.RequestTimeout),
			"authority", "Validate", "check request timeout")
	}
	if c.Reconnect.Multiplier < 1.0 {
		return errors.WrapInvalid(
			fmt.Errorf("reconnect multiplier must be >= 1.0: %v", c.Reconnect.Multiplier),
			"authority", "Validate", "check reconnect")
	}
	return nil
}
