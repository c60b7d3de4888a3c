package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ctrimble/copycat/internal/entry"
	"github.com/ctrimble/copycat/internal/raft"
)

// serverConfig is the on-disk YAML shape for one member's configuration:
// the fields a raft.Config needs, plus the metrics listen address.
type serverConfig struct {
	Self              string        `yaml:"self"`
	Members           []string      `yaml:"members"`
	DataDir           string        `yaml:"data_dir"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	MaxEntrySize      uint32        `yaml:"max_entry_size"`
	MaxSegmentSize    uint32        `yaml:"max_segment_size"`
	MaxEntriesPerSeg  uint32        `yaml:"max_entries_per_segment"`
	MetricsAddr       string        `yaml:"metrics_addr"`
}

func loadServerConfig(path string) (*serverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg serverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Self == "" {
		return nil, fmt.Errorf("config: self is required")
	}
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("config: members is required")
	}
	return &cfg, nil
}

func parseAddress(s string) (entry.Address, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return entry.Address{}, fmt.Errorf("address %q: missing port", s)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return entry.Address{}, fmt.Errorf("address %q: invalid port: %w", s, err)
	}
	return entry.Address{Host: s[:idx], Port: port}, nil
}

// toRaftConfig fills a raft.DefaultConfig with this file's overrides; it
// leaves Transport and StateMachine for the caller to set, since those are
// runtime collaborators rather than on-disk settings.
func (c *serverConfig) toRaftConfig() (raft.Config, error) {
	cfg := raft.DefaultConfig()

	self, err := parseAddress(c.Self)
	if err != nil {
		return cfg, err
	}
	cfg.Self = self

	members := make([]entry.Address, 0, len(c.Members))
	for _, m := range c.Members {
		addr, err := parseAddress(m)
		if err != nil {
			return cfg, err
		}
		members = append(members, addr)
	}
	cfg.Members = members

	if c.DataDir != "" {
		cfg.StorageDirectory = c.DataDir
	} else {
		cfg.StorageDirectory = "./copycat-data"
	}
	if c.ElectionTimeout > 0 {
		cfg.ElectionTimeout = c.ElectionTimeout
	}
	if c.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = c.HeartbeatInterval
	}
	if c.SessionTimeout > 0 {
		cfg.SessionTimeout = c.SessionTimeout
	}
	if c.MaxEntrySize > 0 {
		cfg.MaxEntrySize = c.MaxEntrySize
	}
	if c.MaxSegmentSize > 0 {
		cfg.MaxSegmentSize = c.MaxSegmentSize
	}
	if c.MaxEntriesPerSeg > 0 {
		cfg.MaxEntriesPerSeg = c.MaxEntriesPerSeg
	}
	return cfg, nil
}
