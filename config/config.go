// Package config loads the engine configuration from
// ~/.config/diskseq/config.yaml, falling back to a playable default layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LaneConfig declares one lane and its MIDI channel.
type LaneConfig struct {
	ID      int   `yaml:"id"`
	Channel uint8 `yaml:"channel"`
}

// MarkerConfig places one marker on the disk.
type MarkerConfig struct {
	Angle      float64 `yaml:"angle"`
	Note       uint8   `yaml:"note"`
	Velocity   uint8   `yaml:"velocity"`
	Lane       int     `yaml:"lane"`
	NoteLength float64 `yaml:"noteLength"`
}

// QueueConfig tunes the dispatch queue's starting points.
type QueueConfig struct {
	Capacity       int `yaml:"capacity,omitempty"`
	MaxCapacity    int `yaml:"maxCapacity,omitempty"`
	BufferWindowUs int `yaml:"bufferWindowUs,omitempty"`
}

// Config is the main configuration structure.
type Config struct {
	Tempo             float64        `yaml:"tempo"`
	FallbackTempo     float64        `yaml:"fallbackTempo"`
	ExternalSync      bool           `yaml:"externalSync"`
	ClockPortPatterns []string       `yaml:"clockPortPatterns,omitempty"`
	OutputPort        string         `yaml:"outputPort,omitempty"`
	Queue             QueueConfig    `yaml:"queue,omitempty"`
	Lanes             []LaneConfig   `yaml:"lanes"`
	Markers           []MarkerConfig `yaml:"markers"`
}

// DefaultConfig returns a config with a four-lane demo layout: kick on the
// quarters, closed hats offbeat, snare on 2 and 4.
func DefaultConfig() *Config {
	return &Config{
		Tempo:         120,
		FallbackTempo: 120,
		Lanes: []LaneConfig{
			{ID: 1, Channel: 10},
			{ID: 2, Channel: 10},
			{ID: 3, Channel: 10},
			{ID: 4, Channel: 1},
		},
		Markers: []MarkerConfig{
			{Angle: 0, Note: 36, Velocity: 110, Lane: 1, NoteLength: 1.0 / 16},
			{Angle: 90, Note: 36, Velocity: 100, Lane: 1, NoteLength: 1.0 / 16},
			{Angle: 180, Note: 36, Velocity: 110, Lane: 1, NoteLength: 1.0 / 16},
			{Angle: 270, Note: 36, Velocity: 100, Lane: 1, NoteLength: 1.0 / 16},
			{Angle: 45, Note: 42, Velocity: 80, Lane: 2, NoteLength: 1.0 / 32},
			{Angle: 135, Note: 42, Velocity: 80, Lane: 2, NoteLength: 1.0 / 32},
			{Angle: 225, Note: 42, Velocity: 80, Lane: 2, NoteLength: 1.0 / 32},
			{Angle: 315, Note: 42, Velocity: 80, Lane: 2, NoteLength: 1.0 / 32},
			{Angle: 90, Note: 38, Velocity: 105, Lane: 3, NoteLength: 1.0 / 16},
			{Angle: 270, Note: 38, Velocity: 105, Lane: 3, NoteLength: 1.0 / 16},
			{Angle: 0, Note: 48, Velocity: 90, Lane: 4, NoteLength: 1.0 / 4},
		},
	}
}

// ConfigDir returns the config directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "diskseq"), nil
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config from path, or from the default location when path
// is empty. A missing file returns defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return DefaultConfig(), nil
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Tempo <= 0 {
		return nil, fmt.Errorf("tempo must be positive, got %v", cfg.Tempo)
	}
	if cfg.FallbackTempo <= 0 {
		cfg.FallbackTempo = cfg.Tempo
	}
	return cfg, nil
}

// Save writes the config to the default location.
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
