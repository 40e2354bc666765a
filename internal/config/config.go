package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcoot/rhythmsync/internal/model"
)

// Config holds the server configuration, loaded from a YAML file.
type Config struct {
	BindIP         string         `yaml:"bind_ip"`
	Port           int            `yaml:"port"`
	RoomMaxPlayers int            `yaml:"room_max_players"`
	Monitors       []model.UserID `yaml:"monitors"`
	CycleVoting    bool           `yaml:"cycle_voting"`

	IdentityURL     string   `yaml:"identity_url"`
	IdentityTimeout Duration `yaml:"identity_timeout"`

	// StatusAddr enables the HTTP status listener when non-empty.
	StatusAddr string `yaml:"status_addr"`

	HeartbeatTimeout  Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	DangleGrace       Duration `yaml:"dangle_grace"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		BindIP:            "::",
		Port:              12346,
		RoomMaxPlayers:    8,
		Monitors:          []model.UserID{},
		CycleVoting:       false,
		IdentityURL:       "https://api.phira.cn",
		IdentityTimeout:   Duration(5 * time.Second),
		StatusAddr:        "",
		HeartbeatTimeout:  Duration(10 * time.Second),
		HeartbeatInterval: Duration(1 * time.Second),
		DangleGrace:       Duration(10 * time.Second),
	}
}

// Load reads the configuration from the given path. A missing file is
// created with the defaults and the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		out, merr := yaml.Marshal(cfg)
		if merr != nil {
			return cfg, fmt.Errorf("marshal default config: %w", merr)
		}
		if werr := os.WriteFile(path, out, 0o644); werr != nil {
			return cfg, fmt.Errorf("write default config: %w", werr)
		}
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// CanMonitor reports whether the given user is in the monitor allow-list
func (c *Config) CanMonitor(id model.UserID) bool {
	for _, m := range c.Monitors {
		if m == id {
			return true
		}
	}
	return false
}
