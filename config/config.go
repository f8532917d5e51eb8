package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/mezonai/blockswarm/announcer"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/placement"
	"github.com/mezonai/blockswarm/registry"
)

const (
	DefaultThroughput   = 1.0
	defaultMinCacheSize = 64 << 20
)

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Throughput:         "auto",
		HiddenSize:         64,
		DType:              "float32",
		ListenAddrs:        []string{"/ip4/0.0.0.0/tcp/31337"},
		MetricsAddr:        ":9100",
		NumHandlers:        8,
		InferenceMaxLength: 2048,
		MinBatchSize:       1,
		MaxBatchSize:       2048,
		AllocTimeout:       60 * time.Second,
		RequestsPerSecond:  100,
	}
}

// LoadServerConfig reads a YAML node file over the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	logx.Debug("CONFIG", "LoadServerConfig called with path:", path)
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := DefaultServerConfig()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return cfg, nil
}

// Validate checks the file and fills derived defaults.
func (c *ServerConfig) Validate() error {
	if err := registry.ValidatePrefix(c.Prefix); err != nil {
		return err
	}
	if c.TotalBlocks <= 0 {
		return errors.New("total_blocks must be positive")
	}
	req, err := c.PlacementRequest()
	if err != nil {
		return err
	}
	if err := req.Validate(c.TotalBlocks); err != nil {
		return err
	}
	if _, err := c.ThroughputValue(); err != nil {
		return err
	}
	if c.HiddenSize <= 0 {
		return errors.New("hidden_size must be positive")
	}
	if c.NumHandlers <= 0 {
		return errors.New("num_handlers must be positive")
	}
	if c.InferenceMaxLength <= 0 {
		return errors.New("inference_max_length must be positive")
	}
	if c.MinBatchSize <= 0 || c.MaxBatchSize < c.MinBatchSize {
		return errors.Errorf("invalid batch sizes [%d, %d]", c.MinBatchSize, c.MaxBatchSize)
	}
	if c.CacheSize < 0 {
		return errors.New("cache_size must not be negative")
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize()
	}
	return nil
}

// PlacementRequest turns block_indices / num_blocks into a placement request.
func (c *ServerConfig) PlacementRequest() (placement.Request, error) {
	if c.BlockIndices != "" {
		r, err := placement.ParseBlockRange(c.BlockIndices)
		if err != nil {
			return placement.Request{}, err
		}
		return placement.Request{Pinned: &r, NumBlocks: c.NumBlocks}, nil
	}
	return placement.Request{NumBlocks: c.NumBlocks}, nil
}

// ThroughputValue parses throughput. "auto" would need a benchmark of the
// loaded blocks; it falls back to DefaultThroughput.
func (c *ServerConfig) ThroughputValue() (float64, error) {
	raw := strings.TrimSpace(c.Throughput)
	if raw == "" || raw == "auto" {
		return DefaultThroughput, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, errors.Errorf("throughput must be a positive number or \"auto\", got %q", c.Throughput)
	}
	return v, nil
}

// DefaultCacheSize uses a quarter of the currently available memory.
func DefaultCacheSize() int64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logx.Warn("CONFIG", "Cannot read available memory, using", defaultMinCacheSize, "bytes of cache:", err)
		return defaultMinCacheSize
	}
	size := int64(vm.Available / 4)
	if size < defaultMinCacheSize {
		return defaultMinCacheSize
	}
	return size
}

func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		Announce: AnnounceConfig{
			UpdatePeriod: 30 * time.Second,
		},
		Balance: BalanceConfig{
			BalanceQuality:          0.75,
			MeanBalanceCheckPeriod:  60 * time.Second,
			MeanBlockSelectionDelay: 500 * time.Millisecond,
		},
		Timeouts: TimeoutConfig{
			RequestTimeout: 3 * time.Minute,
			SessionTimeout: 30 * time.Minute,
			StepTimeout:    5 * time.Minute,
		},
	}
}

// LoadTuningConfig reads the [announce], [balance] and [timeouts] sections
// of an INI file over the defaults.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultTuningConfig()
	if err := file.Section("announce").MapTo(&cfg.Announce); err != nil {
		return nil, err
	}
	if err := file.Section("balance").MapTo(&cfg.Balance); err != nil {
		return nil, err
	}
	if err := file.Section("timeouts").MapTo(&cfg.Timeouts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *TuningConfig) Validate() error {
	if c.Announce.UpdatePeriod <= 0 {
		return errors.New("update_period must be positive")
	}
	floor := announcer.DefaultExpiration(c.Announce.UpdatePeriod)
	switch {
	case c.Announce.Expiration < 0:
		return errors.New("expiration must not be negative")
	case c.Announce.Expiration == 0:
		c.Announce.Expiration = floor
	case c.Announce.Expiration < floor:
		// a shorter lease lapses between heartbeats
		return errors.Errorf("expiration %v is below %v for update_period %v", c.Announce.Expiration, floor, c.Announce.UpdatePeriod)
	}
	if c.Balance.BalanceQuality < 0 {
		return errors.New("balance_quality must not be negative")
	}
	if c.Timeouts.RequestTimeout <= 0 || c.Timeouts.SessionTimeout <= 0 || c.Timeouts.StepTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	return nil
}

// LoadEd25519PrivKey loads a hex encoded Ed25519 private key as a libp2p identity.
func LoadEd25519PrivKey(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.Wrapf(err, "decode key in %s", path)
	}
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.Errorf("key in %s has %d bytes, want %d", path, len(key), ed25519.PrivateKeySize)
	}
	return crypto.UnmarshalEd25519PrivateKey(key)
}

// LoadIdentity loads the key at path, or generates an ephemeral one when
// path is empty.
func LoadIdentity(path string) (crypto.PrivKey, error) {
	if path != "" {
		return LoadEd25519PrivKey(path)
	}
	logx.Warn("CONFIG", "No identity_key_path set, using an ephemeral peer id")
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	return priv, err
}

// WriteEd25519PrivKey generates a key and stores it hex encoded at path.
func WriteEd25519PrivKey(path string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0600); err != nil {
		return nil, err
	}
	return pub, nil
}
