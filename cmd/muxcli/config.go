package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/redismux/redismux"
)

// config is the YAML form of redismux.Options.
type config struct {
	Addrs         []string `yaml:"addrs"`
	Protocol      int      `yaml:"protocol"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	ClientName    string   `yaml:"client_name"`
	PreserveOrder bool     `yaml:"preserve_order"`
	LazyConnect   bool     `yaml:"lazy_connect"`
	TieBreakerKey string   `yaml:"tie_breaker_key"`

	DialTimeout             time.Duration `yaml:"dial_timeout"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	HeartbeatInterval       time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout        time.Duration `yaml:"heartbeat_timeout"`
	StaleTimeout            time.Duration `yaml:"stale_timeout"`
	ReconnectMinBackoff     time.Duration `yaml:"reconnect_min_backoff"`
	ReconnectMaxBackoff     time.Duration `yaml:"reconnect_max_backoff"`
	TopologyRefreshInterval time.Duration `yaml:"topology_refresh_interval"`

	CommandMap redismux.CommandMap `yaml:"command_map"`
}

func loadConfig(path string) (*config, error) {
	cfg := new(config)
	if path == "" {
		return cfg, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("muxcli: parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *config) options() *redismux.Options {
	return &redismux.Options{
		Addrs:                   c.Addrs,
		Protocol:                c.Protocol,
		Username:                c.Username,
		Password:                c.Password,
		ClientName:              c.ClientName,
		PreserveOrder:           c.PreserveOrder,
		LazyConnect:             c.LazyConnect,
		TieBreakerKey:           c.TieBreakerKey,
		DialTimeout:             c.DialTimeout,
		WriteTimeout:            c.WriteTimeout,
		HeartbeatInterval:       c.HeartbeatInterval,
		HeartbeatTimeout:        c.HeartbeatTimeout,
		StaleTimeout:            c.StaleTimeout,
		ReconnectMinBackoff:     c.ReconnectMinBackoff,
		ReconnectMaxBackoff:     c.ReconnectMaxBackoff,
		TopologyRefreshInterval: c.TopologyRefreshInterval,
		CommandMap:              c.CommandMap,
	}
}
