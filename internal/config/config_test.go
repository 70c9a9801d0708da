package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.Empty(t, cfg.UnixSocketPath)
	assert.Equal(t, 10240, cfg.ReadSize)
	assert.Equal(t, 512, cfg.MaxClients)
	assert.Equal(t, "json", cfg.MessageParserClass)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, float64(0), cfg.MaxActionRate)
	assert.Equal(t, 15*time.Second, cfg.MonitorInterval)
	assert.True(t, cfg.TCPBind())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "7777")
	t.Setenv("READ_SIZE", "4096")
	t.Setenv("MAX_CLIENTS", "8")
	t.Setenv("MESSAGE_PARSER_CLASS", "msgpack")
	t.Setenv("TIMEZONE", "Asia/Kolkata")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, 4096, cfg.ReadSize)
	assert.Equal(t, 8, cfg.MaxClients)
	assert.Equal(t, "msgpack", cfg.MessageParserClass)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}

// PORT 0 counts as unset, so a unix path must be configured.
func TestValidateRequiresBindTarget(t *testing.T) {
	t.Setenv("PORT", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no bind target")

	t.Setenv("UNIX_SOCKET_PATH", "/tmp/pumpduler.sock")
	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.TCPBind())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"zero read size", "READ_SIZE", "0"},
		{"zero max clients", "MAX_CLIENTS", "0"},
		{"negative rate", "MAX_ACTION_RATE", "-1"},
		{"unknown codec", "MESSAGE_PARSER_CLASS", "xml"},
		{"unknown timezone", "TIMEZONE", "Mars/Olympus"},
		{"port out of range", "PORT", "70000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateBurstRequiredWithRate(t *testing.T) {
	t.Setenv("MAX_ACTION_RATE", "10")
	t.Setenv("ACTION_BURST", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACTION_BURST")
}
