package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, 65507, cfg.MaxFrame)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsNonMulticastGroup(t *testing.T) {
	_, err := Load([]string{"--multicast-group=10.0.0.1"})
	require.Error(t, err)
}

func TestLoadAcceptsMulticastGroup(t *testing.T) {
	cfg, err := Load([]string{"--multicast-group=224.0.1.5", "--base-port=6000"})
	require.NoError(t, err)
	require.Equal(t, "224.0.1.5", cfg.Group.String())
	require.Equal(t, 6000, cfg.BasePort)
}

func TestFeedTypeFilter(t *testing.T) {
	cfg := Default()
	require.True(t, cfg.Accepts("anything"))

	cfg.FeedTypes = []string{"NEXRAD", "NWSTG"}
	require.True(t, cfg.Accepts("nexrad"))
	require.False(t, cfg.Accepts("goes"))
}
