package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-statecontract/host"
)

// HostConfig configures `fsmctl run`. Values come from an optional YAML file
// and are then overridden by FSM_* environment variables.
type HostConfig struct {
	Contract    string        `yaml:"contract" env:"FSM_CONTRACT"`
	Owner       string        `yaml:"owner" env:"FSM_OWNER"`
	Store       StoreConfig   `yaml:"store"`
	RedisAddr   string        `yaml:"redis_addr" env:"FSM_REDIS_ADDR"`
	LeaseTTL    time.Duration `yaml:"lease_ttl" env:"FSM_LEASE_TTL"`
	SweepEvery  time.Duration `yaml:"sweep_every" env:"FSM_SWEEP_EVERY"`
	Collapse    bool          `yaml:"collapse" env:"FSM_COLLAPSE"`
	Retain      bool          `yaml:"retain_terminal" env:"FSM_RETAIN_TERMINAL"`
	Workers     int           `yaml:"workers" env:"FSM_WORKERS"`
	MetricsAddr string        `yaml:"metrics_addr" env:"FSM_METRICS_ADDR"`
}

// StoreConfig selects the snapshot store.
type StoreConfig struct {
	// Driver is one of memory, sqlite, bolt or redis.
	Driver string `yaml:"driver" env:"FSM_STORE_DRIVER"`
	DSN    string `yaml:"dsn" env:"FSM_STORE_DSN"`
	Table  string `yaml:"table" env:"FSM_STORE_TABLE"`
	Prefix string `yaml:"prefix" env:"FSM_STORE_PREFIX"`
}

func defaultHostConfig() HostConfig {
	return HostConfig{
		Store:      StoreConfig{Driver: "memory"},
		LeaseTTL:   host.DefaultLeaseTTL,
		SweepEvery: time.Second,
		Collapse:   true,
		Workers:    4,
	}
}

// loadHostConfig reads path (when set) and applies the environment.
func loadHostConfig(path string) (HostConfig, error) {
	cfg := defaultHostConfig()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.validate()
}

func (c HostConfig) validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "bolt":
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("store driver redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "bolt" && strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store driver bolt requires a dsn path")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}
