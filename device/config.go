package device

import (
	"fmt"

	"github.com/c360/facebridge/errors"
)

// AuthPolicy selects how the auth gate treats the credential pair.
type AuthPolicy string

const (
	// AuthStrict rejects any sn/cpusn pair that does not match the
	// configured credentials.
	AuthStrict AuthPolicy = "strict"
	// AuthPermissive accepts any credential pair. Non-auth commands are
	// still rejected until a handshake has been seen.
	AuthPermissive AuthPolicy = "permissive"
)

// Default credential pair carried over from the terminal firmware.
const (
	DefaultSerialNumber = "WAC14089464"
	DefaultCPUSerial    = "CPU123456789"
)

// Config holds the inbound server settings.
type Config struct {
	Port         int        `json:"port"`
	Path         string     `json:"path"`
	SerialNumber string     `json:"serial_number"`
	CPUSerial    string     `json:"cpu_serial"`
	AuthPolicy   AuthPolicy `json:"auth_policy"`

	ReadBufferSize  int `json:"read_buffer_size"`
	WriteBufferSize int `json:"write_buffer_size"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Port:            8765,
		Path:            "/",
		SerialNumber:    DefaultSerialNumber,
		CPUSerial:       DefaultCPUSerial,
		AuthPolicy:      AuthStrict,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("invalid port: %d", c.Port),
			"device", "Validate", "check port")
	}
	if c.Path == "" {
		return errors.WrapInvalid(
			fmt.Errorf("listen path required"),
			"device", "Validate", "check path")
	}
	switch c.AuthPolicy {
	case AuthStrict, AuthPermissive:
	default:
		return errors.WrapInvalid(
			fmt.Errorf("invalid auth policy: %s", c.AuthPolicy),
			"device", "Validate", "check auth policy")
	}
	if c.AuthPolicy == AuthStrict && (c.SerialNumber == "" || c.CPUSerial == "") {
		return errors.WrapInvalid(
			errors.ErrMissingConfig,
			"device", "Validate", "check credentials")
	}
	return nil
}
