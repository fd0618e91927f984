package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ka9q/hpsdremu/internal/radio"
)

func TestLoadDefaults(t *testing.T) {
	r, err := Load([]string{"--protocol", "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.Protocol)
	assert.Equal(t, radio.Hermes, r.Radio.HW)
	assert.Equal(t, uint32(7100000), r.InitialFreq)
	assert.False(t, r.Verbose)
	assert.Empty(t, r.MetricsAddr)
}

func TestLoadRejectsBadProtocol(t *testing.T) {
	_, err := Load([]string{"--protocol", "3"})
	assert.Error(t, err)
}

func TestLoadRejectsAngeliaOnProtocol1(t *testing.T) {
	_, err := Load([]string{"--protocol", "1", "--radio", "angelia"})
	assert.Error(t, err)
}

func TestLoadRejectsBadMAC(t *testing.T) {
	_, err := Load([]string{"--protocol", "1", "--mac", "not-a-mac"})
	assert.Error(t, err)
}

func TestLoadFileDefaultsWithCLIOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hpsdremu.yaml")
	require.NoError(t, os.WriteFile(path, []byte("radio: orion\nfreq_hz: 14200000\necho: true\n"), 0o600))

	r, err := Load([]string{"--protocol", "2", "--config", path})
	require.NoError(t, err)
	assert.Equal(t, radio.Orion, r.Radio.HW)
	assert.Equal(t, uint32(14200000), r.InitialFreq)
	assert.True(t, r.Radio.EchoEnabled)

	r2, err := Load([]string{"--protocol", "2", "--config", path, "--radio", "hermes"})
	require.NoError(t, err)
	assert.Equal(t, radio.Hermes, r2.Radio.HW, "explicit CLI flag must win over the file")
}
