package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezonai/blockswarm/placement"
	"github.com/mezonai/blockswarm/registry"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeFile(t, "server.yml", `
prefix: bloom
total_blocks: 24
num_blocks: 4
throughput: "2.5"
listen_addrs:
  - /ip4/127.0.0.1/tcp/4001
initial_peers:
  - /dns4/boot.example.org/tcp/31337/p2p/12D3KooWJ6ii2xRngYjuagPNBHn2PTh8Nqn1ZxRwx9dqqsMbvPzS
cache_size: 1048576
alloc_timeout: 5s
ignored_keys:
  - lm_head.weight
  - rotary_emb.inv_freq
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "bloom", cfg.Prefix)
	assert.Equal(t, 4, cfg.NumBlocks)
	assert.Equal(t, 5*time.Second, cfg.AllocTimeout)
	assert.Equal(t, int64(1048576), cfg.CacheSize)
	assert.Equal(t, 8, cfg.NumHandlers, "defaults survive decoding")
	assert.Equal(t, []string{"lm_head.weight", "rotary_emb.inv_freq"}, cfg.IgnoredKeys)

	v, err := cfg.ThroughputValue()
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	req, err := cfg.PlacementRequest()
	require.NoError(t, err)
	assert.False(t, req.IsPinned())
}

func TestValidateRequiresExactlyOnePlacementMode(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Prefix = "bloom"
	cfg.TotalBlocks = 10
	cfg.CacheSize = 1

	assert.ErrorIs(t, cfg.Validate(), placement.ErrInvalidRange)

	cfg.NumBlocks = 2
	cfg.BlockIndices = "0:2"
	assert.ErrorIs(t, cfg.Validate(), placement.ErrInvalidRange)

	cfg.NumBlocks = 0
	require.NoError(t, cfg.Validate())
	req, err := cfg.PlacementRequest()
	require.NoError(t, err)
	assert.Equal(t, placement.BlockRange{Start: 0, End: 2}, *req.Pinned)

	cfg.BlockIndices = "3:x"
	assert.ErrorIs(t, cfg.Validate(), placement.ErrInvalidRange)

	cfg.BlockIndices = "8:12"
	assert.ErrorIs(t, cfg.Validate(), placement.ErrInvalidRange)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *ServerConfig {
		cfg := DefaultServerConfig()
		cfg.Prefix = "bloom"
		cfg.TotalBlocks = 4
		cfg.NumBlocks = 1
		cfg.CacheSize = 1
		return cfg
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*ServerConfig){
		"prefix with delimiter": func(c *ServerConfig) { c.Prefix = "bloom.7b" },
		"no blocks":             func(c *ServerConfig) { c.TotalBlocks = 0 },
		"bad throughput":        func(c *ServerConfig) { c.Throughput = "fast" },
		"negative throughput":   func(c *ServerConfig) { c.Throughput = "-1" },
		"no handlers":           func(c *ServerConfig) { c.NumHandlers = 0 },
		"inverted batch":        func(c *ServerConfig) { c.MinBatchSize, c.MaxBatchSize = 4, 2 },
		"negative cache":        func(c *ServerConfig) { c.CacheSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAutoThroughputFallsBack(t *testing.T) {
	cfg := DefaultServerConfig()
	v, err := cfg.ThroughputValue()
	require.NoError(t, err)
	assert.Equal(t, DefaultThroughput, v)
}

func TestDefaultCacheSizeIsPositive(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultCacheSize(), int64(defaultMinCacheSize))
}

func TestLoadTuningConfig(t *testing.T) {
	path := writeFile(t, "tuning.ini", `
[announce]
update_period = 10s

[balance]
balance_quality = 0.5
mean_balance_check_period = 2m

[timeouts]
step_timeout = 30s
`)
	cfg, err := LoadTuningConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.Announce.UpdatePeriod)
	assert.Equal(t, 20*time.Second, cfg.Announce.Expiration)
	assert.Equal(t, 0.5, cfg.Balance.BalanceQuality)
	assert.Equal(t, 2*time.Minute, cfg.Balance.MeanBalanceCheckPeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.Balance.MeanBlockSelectionDelay)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.StepTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Timeouts.RequestTimeout)
}

func TestExpirationNeverBelowClockSkew(t *testing.T) {
	cfg := DefaultTuningConfig()
	cfg.Announce.UpdatePeriod = time.Second
	require.NoError(t, cfg.Validate())
	assert.Equal(t, registry.MaxClockSkew, cfg.Announce.Expiration)
}

func TestExpirationShorterThanTwoHeartbeatsRejected(t *testing.T) {
	cases := map[string]time.Duration{
		"negative":             -time.Second,
		"below update period":  5 * time.Second,
		"one heartbeat":        10 * time.Second,
		"just under two beats": 19 * time.Second,
	}
	for name, expiration := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultTuningConfig()
			cfg.Announce.UpdatePeriod = 10 * time.Second
			cfg.Announce.Expiration = expiration
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := DefaultTuningConfig()
	cfg.Announce.UpdatePeriod = 10 * time.Second
	cfg.Announce.Expiration = 45 * time.Second
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 45*time.Second, cfg.Announce.Expiration)

	path := writeFile(t, "tuning.ini", `
[announce]
update_period = 30s
expiration = 10s
`)
	loaded, err := LoadTuningConfig(path)
	require.NoError(t, err)
	assert.Error(t, loaded.Validate())
}

func TestIdentityKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")
	pub, err := WriteEd25519PrivKey(path)
	require.NoError(t, err)

	priv, err := LoadIdentity(path)
	require.NoError(t, err)
	raw, err := priv.GetPublic().Raw()
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), raw)

	ephemeral, err := LoadIdentity("")
	require.NoError(t, err)
	assert.NotNil(t, ephemeral)

	bad := writeFile(t, "bad.key", "abcd")
	_, err = LoadEd25519PrivKey(bad)
	assert.Error(t, err)
}

func TestShippedConfigsValidate(t *testing.T) {
	cfg, err := LoadServerConfig("server.yml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.NumBlocks)
	assert.Positive(t, cfg.CacheSize)

	tuning, err := LoadTuningConfig("tuning.ini")
	require.NoError(t, err)
	require.NoError(t, tuning.Validate())
	assert.Equal(t, 60*time.Second, tuning.Announce.Expiration)
	assert.Equal(t, 500*time.Millisecond, tuning.Balance.MeanBlockSelectionDelay)
}
