package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/facebridge/device"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 8765, cfg.Device.Port)
	assert.Equal(t, device.AuthStrict, cfg.Device.AuthPolicy)
	assert.Equal(t, 3*time.Second, cfg.SyncConfig().PollInterval)
	assert.Equal(t, 100, cfg.SyncConfig().PollLimit)
	assert.Equal(t, 10*time.Second, cfg.AuthorityConfig().RequestTimeout)
	assert.False(t, cfg.HasAuthority())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"log_level": "debug",
		"log_format": "text",
		"metrics_addr": ":9090",
		"nats": {"url": "nats://store:4222"},
		"device": {"port": 9000, "auth_policy": "permissive"},
		"authority": {"url": "ws://auth.example/ws", "request_timeout": "5s"},
		"sync": {"poll_interval": "1s", "poll_limit": 50}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://store:4222", cfg.NATS.URL)
	assert.Equal(t, 9000, cfg.Device.Port)
	assert.Equal(t, device.AuthPermissive, cfg.Device.AuthPolicy)
	assert.True(t, cfg.HasAuthority())
	assert.Equal(t, 5*time.Second, cfg.AuthorityConfig().RequestTimeout)
	assert.Equal(t, time.Second, cfg.SyncConfig().PollInterval)
	assert.Equal(t, 50, cfg.SyncConfig().PollLimit)

	// Untouched fields keep their defaults
	assert.Equal(t, device.DefaultSerialNumber, cfg.Device.SerialNumber)
	assert.Equal(t, 1000, cfg.SyncConfig().QueueSize)
}

func TestLoadNumericDuration(t *testing.T) {
	path := writeConfig(t, `{"sync": {"poll_interval": 2}, "authority": {"url": "ws://a/ws"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.SyncConfig().PollInterval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FACEBRIDGE_NATS_URL", "nats://env:4222")
	t.Setenv("FACEBRIDGE_DEVICE_PORT", "7000")
	t.Setenv("FACEBRIDGE_DEVICE_SN", "SN-ENV")
	t.Setenv("FACEBRIDGE_AUTHORITY_URL", "ws://env-auth/ws")
	t.Setenv("FACEBRIDGE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, 7000, cfg.Device.Port)
	assert.Equal(t, "SN-ENV", cfg.Device.SerialNumber)
	assert.Equal(t, "ws://env-auth/ws", cfg.Authority.URL)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `{"device": {"port": -1}}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"log_format": "xml"}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"nats": {"url": ""}}`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `not json`))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	data, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(data))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, d, back)

	assert.Error(t, back.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, back.UnmarshalJSON([]byte(`true`)))
}
