package config

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotPolicy controls when log compaction is triggered. A zero
// LogEntries disables snapshotting entirely.
type SnapshotPolicy struct {
	// LogEntries triggers a snapshot build once this many entries have been
	// applied since the last snapshot.
	LogEntries uint64 `yaml:"log_entries"`
}

// Enabled reports whether the policy ever triggers.
func (p SnapshotPolicy) Enabled() bool { return p.LogEntries > 0 }

// Config holds the runtime configuration shared by every node of a cluster.
type Config struct {
	// ClusterName identifies the cluster in logs. No semantic effect.
	ClusterName string `yaml:"cluster_name"`

	// ElectionTimeoutMinMs and ElectionTimeoutMaxMs bound the randomized
	// follower/candidate election timer. The minimum also serves as the
	// leader-stickiness window: vote requests arriving within this long of a
	// valid heartbeat are rejected. This deliberately deviates from textbook
	// Raft, trading some election liveness for stability under partitions.
	ElectionTimeoutMinMs uint64 `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs uint64 `yaml:"election_timeout_max_ms"`

	// HeartbeatIntervalMs is the leader's AppendEntries cadence. It must be
	// significantly smaller than ElectionTimeoutMinMs.
	HeartbeatIntervalMs uint64 `yaml:"heartbeat_interval_ms"`

	// SnapshotPolicy triggers log compaction.
	SnapshotPolicy SnapshotPolicy `yaml:"snapshot_policy"`

	// MaxPayloadEntries bounds the number of entries per AppendEntries
	// batch.
	MaxPayloadEntries uint64 `yaml:"max_payload_entries"`

	// InstallSnapshotTimeoutMs bounds a single snapshot-chunk RPC.
	InstallSnapshotTimeoutMs uint64 `yaml:"install_snapshot_timeout_ms"`
}

// Default returns a Config with the defaults used across the test suite and
// the daemon.
func Default() *Config {
	return &Config{
		ClusterName:              "openraft",
		ElectionTimeoutMinMs:     150,
		ElectionTimeoutMaxMs:     300,
		HeartbeatIntervalMs:      50,
		SnapshotPolicy:           SnapshotPolicy{LogEntries: 5000},
		MaxPayloadEntries:        300,
		InstallSnapshotTimeoutMs: 5000,
	}
}

// Validate checks invariants between the timing options.
func (c *Config) Validate() error {
	if c.ElectionTimeoutMinMs == 0 {
		return fmt.Errorf("election_timeout_min_ms must be > 0")
	}
	if c.ElectionTimeoutMinMs >= c.ElectionTimeoutMaxMs {
		return fmt.Errorf("election_timeout_min_ms (%d) must be < election_timeout_max_ms (%d)",
			c.ElectionTimeoutMinMs, c.ElectionTimeoutMaxMs)
	}
	if c.HeartbeatIntervalMs == 0 {
		return fmt.Errorf("heartbeat_interval_ms must be > 0")
	}
	if c.HeartbeatIntervalMs >= c.ElectionTimeoutMinMs {
		return fmt.Errorf("heartbeat_interval_ms (%d) must be < election_timeout_min_ms (%d)",
			c.HeartbeatIntervalMs, c.ElectionTimeoutMinMs)
	}
	if c.MaxPayloadEntries == 0 {
		return fmt.Errorf("max_payload_entries must be > 0")
	}
	return nil
}

// LoadFile reads a YAML config file and merges it over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ElectionTimeout returns the min/max bounds as durations.
func (c *Config) ElectionTimeout() (min, max time.Duration) {
	return time.Duration(c.ElectionTimeoutMinMs) * time.Millisecond,
		time.Duration(c.ElectionTimeoutMaxMs) * time.Millisecond
}

// HeartbeatInterval returns the leader heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// RandomElectionTimeout picks a fresh timeout uniformly from the configured
// range. Randomization avoids synchronized split votes.
func (c *Config) RandomElectionTimeout() time.Duration {
	min, max := c.ElectionTimeout()
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
