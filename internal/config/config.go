package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all server settings. Values come from an optional YAML file;
// anything left unset falls back to the defaults below.
type Config struct {
	SIP struct {
		Listen     string   `yaml:"listen"`      // ex: ":5060"
		Transports []string `yaml:"transports"`  // subset of udp, tcp
		ExternAddr string   `yaml:"extern_addr"` // public IP override when behind NAT
		UserAgent  string   `yaml:"user_agent"`  // User-Agent header value
	} `yaml:"sip"`

	Registration struct {
		// CheckExpiresMinutes is both the control-loop tick period and the
		// cache write-expiry, in minutes.
		CheckExpiresMinutes int `yaml:"check_expires_minutes"`
		// InitialDelaySeconds before the first registration sweep.
		InitialDelaySeconds int `yaml:"initial_delay_seconds"`
	} `yaml:"registration"`

	Web struct {
		Addr string `yaml:"addr"` // ex: ":8080"
	} `yaml:"web"`

	Storage struct {
		DBPath string `yaml:"db_path"` // path to the SQLite database file
	} `yaml:"storage"`

	Log struct {
		Level  string `yaml:"level"`  // "debug" | "info" | "warn" | "error"
		Pretty bool   `yaml:"pretty"` // true => colored dev output, false => JSON
	} `yaml:"log"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.SIP.Listen = ":5060"
	cfg.SIP.Transports = []string{"udp", "tcp"}
	cfg.SIP.UserAgent = "sip-router/1.0"
	cfg.Registration.CheckExpiresMinutes = 1
	cfg.Registration.InitialDelaySeconds = 10
	cfg.Web.Addr = ":8080"
	cfg.Storage.DBPath = "sip_gateways.db"
	cfg.Log.Level = "info"
	cfg.Log.Pretty = false
	return cfg
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Registration.CheckExpiresMinutes <= 0 {
		return fmt.Errorf("registration.check_expires_minutes must be positive, got %d", c.Registration.CheckExpiresMinutes)
	}
	if c.Registration.InitialDelaySeconds < 0 {
		return fmt.Errorf("registration.initial_delay_seconds must not be negative, got %d", c.Registration.InitialDelaySeconds)
	}
	for _, tr := range c.SIP.Transports {
		switch strings.ToLower(tr) {
		case "udp", "tcp":
		default:
			return fmt.Errorf("unsupported transport %q in sip.transports", tr)
		}
	}
	return nil
}
