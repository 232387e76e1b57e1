package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaultsOnPartialFile(t *testing.T) {
	path := writeTempConfig(t, "name: my-app\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "my-app", cfg.Name)
	assert.True(t, cfg.Reconnect)
	assert.Equal(t, -1, cfg.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ReconnectTimeWait())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTempConfig(t, "reconnect: false\nmax_reconnect_attempts: 5\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.False(t, cfg.Reconnect)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/client.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsNegativeTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.TimeoutMS = -1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadMaxReconnectAttempts(t *testing.T) {
	cfg := Defaults()
	cfg.MaxReconnectAttempts = -2
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownPayloadMode(t *testing.T) {
	cfg := Defaults()
	cfg.Payload = "xml"
	assert.Error(t, cfg.Validate())
}

func TestAllURLsPrefersServersOverURL(t *testing.T) {
	cfg := Defaults()
	cfg.URL = "nats://localhost:4222"
	cfg.Servers = []string{"nats://a:4222", "nats://b:4222"}
	assert.Equal(t, cfg.Servers, cfg.AllURLs())
}

func TestAllURLsFallsBackToSingleURL(t *testing.T) {
	cfg := Defaults()
	cfg.URL = "nats://localhost:4222"
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.AllURLs())
}

func TestAllURLsNilWhenNeitherSet(t *testing.T) {
	cfg := Defaults()
	assert.Nil(t, cfg.AllURLs())
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	cfg := Defaults()
	cfg.PingIntervalMS = 1500
	cfg.TimeoutMS = 250
	cfg.YieldTimeMS = 10
	cfg.ReconnectJitterMS = 100

	assert.Equal(t, 1500*time.Millisecond, cfg.PingInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout())
	assert.Equal(t, 10*time.Millisecond, cfg.YieldTime())
	assert.Equal(t, 100*time.Millisecond, cfg.ReconnectJitter())
}
