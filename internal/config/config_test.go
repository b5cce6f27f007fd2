package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.Equal(t, 10, cfg.MaxTCPSockets)
	require.Equal(t, 60*time.Second, cfg.SocketTimeout)
	require.Equal(t, 60*time.Second, cfg.QueueTimeout)
	require.True(t, cfg.DiscoverPublicIP)
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Address)
	require.Equal(t, 80, cfg.Port)
}

func TestParsePortRange(t *testing.T) {
	min, max, err := parsePortRange("9000-9100")
	require.NoError(t, err)
	require.Equal(t, 9000, min)
	require.Equal(t, 9100, max)

	_, _, err = parsePortRange("not-a-range")
	require.Error(t, err)

	_, _, err = parsePortRange("9100-9000")
	require.Error(t, err)
}
