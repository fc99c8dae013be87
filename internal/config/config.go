// Package config loads the daemon configuration: file paths, the admin
// listen address, logging options, and the masters/doors wiring table.
// Configuration is read once at startup and handed to the components;
// there is no mutable global state.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// AdminAddr is the TCP listen address of the operator interface.
	AdminAddr string `mapstructure:"admin_addr"`

	// StorePath is the JSON key/door database file.
	StorePath string `mapstructure:"store_path"`

	// AuditDBPath is the SQLite audit log; empty disables auditing.
	AuditDBPath string `mapstructure:"audit_db_path"`

	Log LogConfig `mapstructure:"log"`

	// LogKeyIDs opts into logging raw key serials.
	LogKeyIDs bool `mapstructure:"log_key_ids"`

	Masters []Master `mapstructure:"masters"`
}

type LogConfig struct {
	Level    string `mapstructure:"level"`    // debug | info | warn | error
	Encoding string `mapstructure:"encoding"` // json | console
}

// Master is one bus master and the doors wired to its buses.
type Master struct {
	Name string `mapstructure:"name"`

	// PresenceDevice is the identification chip bonded to this master;
	// its persistent absence is fatal for the process.
	PresenceDevice   string `mapstructure:"presence_device"`
	RemovalTimeoutMs int    `mapstructure:"removal_timeout_ms"`

	Doors []Door `mapstructure:"doors"`
}

// Door wires one door to a bus number, relay channels, and policy.
type Door struct {
	ID             string  `mapstructure:"id"`
	Name           string  `mapstructure:"name"`
	Bus            int     `mapstructure:"bus"`
	Admin          bool    `mapstructure:"admin"`
	MinAccess      string  `mapstructure:"min_access"`
	OpenDurationMs int     `mapstructure:"open_duration_ms"`
	ScanIntervalMs int     `mapstructure:"scan_interval_ms"`
	Relays         []Relay `mapstructure:"relays"`
}

type Relay struct {
	Channel int  `mapstructure:"channel"`
	Invert  bool `mapstructure:"invert"`
}

func (m Master) RemovalTimeout() time.Duration {
	return time.Duration(m.RemovalTimeoutMs) * time.Millisecond
}

func (d Door) OpenDuration() time.Duration {
	return time.Duration(d.OpenDurationMs) * time.Millisecond
}

func (d Door) ScanInterval() time.Duration {
	return time.Duration(d.ScanIntervalMs) * time.Millisecond
}

// Load reads the configuration file (doored.yaml in the working
// directory or /etc/doored, or the file named by path) with DOORED_*
// environment overrides for the scalar settings.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("doored")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/doored")
	}
	v.SetEnvPrefix("doored")
	v.AutomaticEnv()

	v.SetDefault("admin_addr", "0.0.0.0:2323")
	v.SetDefault("store_path", "/var/lib/doored/doored.json")
	v.SetDefault("audit_db_path", "/var/lib/doored/audit.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when relying on defaults plus env;
		// anything else (unreadable, malformed) is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	admins := 0
	seen := make(map[string]struct{})
	for _, m := range c.Masters {
		if m.Name == "" {
			return fmt.Errorf("master with empty name")
		}
		for _, d := range m.Doors {
			if d.ID == "" {
				return fmt.Errorf("master %s: door with empty id", m.Name)
			}
			if _, dup := seen[d.ID]; dup {
				return fmt.Errorf("duplicate door id %q", d.ID)
			}
			seen[d.ID] = struct{}{}
			if d.Admin {
				admins++
			}
		}
	}
	if len(seen) > 0 && admins != 1 {
		return fmt.Errorf("exactly one admin door required, have %d", admins)
	}
	return nil
}
