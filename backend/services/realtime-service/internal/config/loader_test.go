package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  port: 9000
auth:
  jwt_secret: s3cret
ws:
  ping_interval_seconds: 5
kafka:
  brokers: ["k1:9092", "k2:9092"]
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, c.App.Port)
	assert.Equal(t, "s3cret", c.Auth.JWTSecret)
	assert.True(t, c.Auth.AllowAnonymous)
	assert.Equal(t, "memory", c.Storage.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, c.PingInterval)
	assert.Equal(t, 10*time.Second, c.WriteDeadline)
	assert.Equal(t, 90*time.Second, c.HeartbeatTimeout)
	assert.Equal(t, 10, c.Chat.RecentLimit)
	assert.Equal(t, "drop-oldest", c.WS.OverflowPolicy)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "auth:\n  jwt_secret: fromfile\n")
	t.Setenv("REALTIME_AUTH_JWT_SECRET", "fromenv")
	t.Setenv("REALTIME_WS_OVERFLOW_POLICY", "disconnect")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", c.Auth.JWTSecret)
	assert.Equal(t, "disconnect", c.WS.OverflowPolicy)
}

func TestMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("REALTIME_AUTH_JWT_SECRET", "x")
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8085, c.App.Port)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "app:\n  env: production\n"))
	assert.ErrorContains(t, err, "auth.jwt_secret")

	_, err = Load(writeConfig(t, "auth:\n  jwt_secret: s\nstorage:\n  driver: mongo\n"))
	assert.ErrorContains(t, err, "mongo.uri")

	_, err = Load(writeConfig(t, "auth:\n  jwt_secret: s\nstorage:\n  driver: sqlite\n"))
	assert.ErrorContains(t, err, "storage.driver")

	_, err = Load(writeConfig(t, "auth:\n  jwt_secret: s\nws:\n  overflow_policy: block\n"))
	assert.ErrorContains(t, err, "overflow_policy")

	_, err = Load(writeConfig(t, "auth:\n  jwt_secret: s\npresence:\n  heartbeat_timeout_seconds: 90\n  mirror_ttl_seconds: 30\n"))
	assert.ErrorContains(t, err, "mirror_ttl_seconds")
}
