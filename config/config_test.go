package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsPlayable(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120.0, cfg.Tempo)
	assert.Equal(t, 120.0, cfg.FallbackTempo)
	require.NotEmpty(t, cfg.Lanes)
	require.NotEmpty(t, cfg.Markers)

	lanes := map[int]bool{}
	for _, l := range cfg.Lanes {
		lanes[l.ID] = true
		assert.GreaterOrEqual(t, l.Channel, uint8(1))
		assert.LessOrEqual(t, l.Channel, uint8(16))
	}
	for _, m := range cfg.Markers {
		assert.True(t, lanes[m.Lane], "marker on unknown lane %d", m.Lane)
		assert.GreaterOrEqual(t, m.Angle, 0.0)
		assert.Less(t, m.Angle, 360.0)
		assert.Greater(t, m.NoteLength, 0.0)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Tempo, cfg.Tempo)
	assert.Len(t, cfg.Lanes, len(DefaultConfig().Lanes))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
tempo: 96
fallbackTempo: 100
externalSync: true
outputPort: fluid
clockPortPatterns: [ableton, bitwig]
queue:
  capacity: 512
  bufferWindowUs: 500
lanes:
  - id: 1
    channel: 3
markers:
  - angle: 45
    note: 64
    velocity: 90
    lane: 1
    noteLength: 0.125
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 96.0, cfg.Tempo)
	assert.Equal(t, 100.0, cfg.FallbackTempo)
	assert.True(t, cfg.ExternalSync)
	assert.Equal(t, "fluid", cfg.OutputPort)
	assert.Equal(t, []string{"ableton", "bitwig"}, cfg.ClockPortPatterns)
	assert.Equal(t, 512, cfg.Queue.Capacity)
	assert.Equal(t, 500, cfg.Queue.BufferWindowUs)

	require.Len(t, cfg.Lanes, 1)
	assert.Equal(t, uint8(3), cfg.Lanes[0].Channel)
	require.Len(t, cfg.Markers, 1)
	assert.Equal(t, uint8(64), cfg.Markers[0].Note)
	assert.Equal(t, 0.125, cfg.Markers[0].NoteLength)
}

func TestLoadRejectsBadTempo(t *testing.T) {
	_, err := Load(writeConfig(t, "tempo: -4\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "tempo: 0\n"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "tempo: [not a number\n"))
	assert.Error(t, err)
}

func TestFallbackTempoDefaultsToTempo(t *testing.T) {
	cfg, err := Load(writeConfig(t, "tempo: 87\nfallbackTempo: 0\n"))
	require.NoError(t, err)
	assert.Equal(t, 87.0, cfg.FallbackTempo)
}
