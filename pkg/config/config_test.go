package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero election timeout min",
			mutate:  func(c *Config) { c.ElectionTimeoutMinMs = 0 },
			wantErr: true,
		},
		{
			name: "min not below max",
			mutate: func(c *Config) {
				c.ElectionTimeoutMinMs = 300
				c.ElectionTimeoutMaxMs = 300
			},
			wantErr: true,
		},
		{
			name:    "zero heartbeat",
			mutate:  func(c *Config) { c.HeartbeatIntervalMs = 0 },
			wantErr: true,
		},
		{
			name:    "heartbeat not below election min",
			mutate:  func(c *Config) { c.HeartbeatIntervalMs = 150 },
			wantErr: true,
		},
		{
			name:    "zero payload batch",
			mutate:  func(c *Config) { c.MaxPayloadEntries = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRandomElectionTimeoutInRange(t *testing.T) {
	cfg := Default()
	min, max := cfg.ElectionTimeout()

	for i := 0; i < 100; i++ {
		d := cfg.RandomElectionTimeout()
		assert.GreaterOrEqual(t, d, min)
		assert.Less(t, d, max)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openraft.yaml")
	data := []byte(`
cluster_name: test
election_timeout_min_ms: 100
election_timeout_max_ms: 200
heartbeat_interval_ms: 30
snapshot_policy:
  log_entries: 10
max_payload_entries: 64
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.ClusterName)
	assert.Equal(t, uint64(100), cfg.ElectionTimeoutMinMs)
	assert.Equal(t, uint64(10), cfg.SnapshotPolicy.LogEntries)
	assert.True(t, cfg.SnapshotPolicy.Enabled())
	assert.Equal(t, uint64(64), cfg.MaxPayloadEntries)
}

func TestLoadFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openraft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval_ms: 0\n"), 0644))

	_, err := LoadFile(path)
	assert.Error(t, err)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
