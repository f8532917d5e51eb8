package config

import "time"

// ServerConfig is the per-node YAML file.
type ServerConfig struct {
	Prefix      string `yaml:"prefix"`
	TotalBlocks int    `yaml:"total_blocks"`
	// BlockIndices pins the served range as "start:end"; exclusive with NumBlocks.
	BlockIndices string `yaml:"block_indices"`
	NumBlocks    int    `yaml:"num_blocks"`
	// Throughput is a number of requests per second or "auto".
	Throughput string `yaml:"throughput"`

	HiddenSize int    `yaml:"hidden_size"`
	DType      string `yaml:"dtype"`
	// IgnoredKeys names weight entries the block loader may skip.
	IgnoredKeys []string `yaml:"ignored_keys"`

	ListenAddrs     []string `yaml:"listen_addrs"`
	InitialPeers    []string `yaml:"initial_peers"`
	IdentityKeyPath string   `yaml:"identity_key_path"`
	DHTDatastore    string   `yaml:"dht_datastore"`
	MetricsAddr     string   `yaml:"metrics_addr"`
	EnableMDNS      bool     `yaml:"enable_mdns"`
	NATPortMap      bool     `yaml:"nat_port_map"`

	NumHandlers        int `yaml:"num_handlers"`
	InferenceMaxLength int `yaml:"inference_max_length"`
	MinBatchSize       int `yaml:"min_batch_size"`
	MaxBatchSize       int `yaml:"max_batch_size"`
	// CacheSize is the attention cache pool in bytes; 0 sizes it from
	// available memory.
	CacheSize         int64         `yaml:"cache_size"`
	AllocTimeout      time.Duration `yaml:"alloc_timeout"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
}

type AnnounceConfig struct {
	UpdatePeriod time.Duration `ini:"update_period"`
	// Expiration defaults to max(2*update_period, registry.MaxClockSkew).
	Expiration time.Duration `ini:"expiration"`
}

type BalanceConfig struct {
	BalanceQuality          float64       `ini:"balance_quality"`
	MeanBalanceCheckPeriod  time.Duration `ini:"mean_balance_check_period"`
	MeanBlockSelectionDelay time.Duration `ini:"mean_block_selection_delay"`
}

type TimeoutConfig struct {
	RequestTimeout time.Duration `ini:"request_timeout"`
	SessionTimeout time.Duration `ini:"session_timeout"`
	StepTimeout    time.Duration `ini:"step_timeout"`
}

// TuningConfig is the INI file with timing and balancing knobs.
type TuningConfig struct {
	Announce AnnounceConfig
	Balance  BalanceConfig
	Timeouts TimeoutConfig
}
