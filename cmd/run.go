package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mezonai/blockswarm/api"
	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/cache"
	"github.com/mezonai/blockswarm/config"
	"github.com/mezonai/blockswarm/discovery"
	"github.com/mezonai/blockswarm/events"
	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/handler"
	"github.com/mezonai/blockswarm/host"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
	"github.com/mezonai/blockswarm/ratelimit"
	"github.com/mezonai/blockswarm/registry"
	"github.com/mezonai/blockswarm/server"
)

const (
	defaultServerConfigPath = "config/server.yml"
	defaultTuningConfigPath = "config/tuning.ini"
)

var (
	serverConfigPath string
	tuningConfigPath string
	flagNumBlocks    int
	flagBlockIndices string
	flagThroughput   string
	flagInitialPeers []string
	flagListenAddrs  []string
	flagMetricsAddr  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a swarm server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&serverConfigPath, "config", "c", defaultServerConfigPath, "Path to the server YAML file")
	runCmd.Flags().StringVar(&tuningConfigPath, "tuning", defaultTuningConfigPath, "Path to the tuning INI file")
	runCmd.Flags().IntVar(&flagNumBlocks, "num-blocks", 0, "Number of blocks to serve, chosen automatically")
	runCmd.Flags().StringVar(&flagBlockIndices, "block-indices", "", "Serve exactly these blocks, as start:end")
	runCmd.Flags().StringVar(&flagThroughput, "throughput", "", "Announced throughput, a number or auto")
	runCmd.Flags().StringSliceVar(&flagInitialPeers, "initial-peers", nil, "Multiaddrs of peers to join the swarm through")
	runCmd.Flags().StringSliceVar(&flagListenAddrs, "listen", nil, "Multiaddrs to listen on")
	runCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Address of the operator api (/metrics, /health, /swarm, /rpc)")
}

func loadConfigs(cmd *cobra.Command) (*config.ServerConfig, *config.TuningConfig, error) {
	cfg, err := config.LoadServerConfig(serverConfigPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load server config")
	}

	tuning := config.DefaultTuningConfig()
	if _, statErr := os.Stat(tuningConfigPath); statErr == nil || cmd.Flags().Changed("tuning") {
		tuning, err = config.LoadTuningConfig(tuningConfigPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load tuning config")
		}
	} else {
		logx.Warn("CMD", "No tuning file at", tuningConfigPath, "- using defaults")
	}

	flags := cmd.Flags()
	if flags.Changed("num-blocks") {
		cfg.NumBlocks, cfg.BlockIndices = flagNumBlocks, ""
	}
	if flags.Changed("block-indices") {
		cfg.BlockIndices, cfg.NumBlocks = flagBlockIndices, 0
	}
	if flags.Changed("throughput") {
		cfg.Throughput = flagThroughput
	}
	if flags.Changed("initial-peers") {
		cfg.InitialPeers = flagInitialPeers
	}
	if flags.Changed("listen") {
		cfg.ListenAddrs = flagListenAddrs
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = flagMetricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := tuning.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, tuning, nil
}

func runServer(cmd *cobra.Command) error {
	monitoring.InitMetrics()

	cfg, tuning, err := loadConfigs(cmd)
	if err != nil {
		return err
	}
	throughput, _ := cfg.ThroughputValue()
	if cfg.Throughput == "" || cfg.Throughput == "auto" {
		logx.Warn("CMD", "Throughput measurement is not available, announcing", throughput)
	}
	req, _ := cfg.PlacementRequest()

	identity, err := config.LoadIdentity(cfg.IdentityKeyPath)
	if err != nil {
		return errors.Wrap(err, "load identity")
	}
	datastore := cfg.DHTDatastore
	node, err := discovery.NewNode(discovery.NodeConfig{
		Identity:    identity,
		ListenAddrs: cfg.ListenAddrs,
		EnableMDNS:  cfg.EnableMDNS,
		NATPortMap:  cfg.NATPortMap,
		DHT: discovery.DHTConfig{
			BootNodes:     cfg.InitialPeers,
			DataStoreFile: &datastore,
			Validators:    map[string]record.Validator{registry.Namespace: registry.PresenceValidator{}},
		},
	})
	if err != nil {
		return errors.Wrap(err, "start libp2p node")
	}
	reg, err := registry.NewDHTRegistry(node, time.Now)
	if err != nil {
		_ = node.Close()
		return err
	}
	logx.Info("CMD", "Running DHT node", node.PeerID(), "on", node.Host.Addrs(), "initial peers =", cfg.InitialPeers)

	var policy handler.Policy
	if cfg.RequestsPerSecond > 0 {
		limiter := ratelimit.NewRateLimiter(&ratelimit.RateLimiterConfig{
			MaxRequests:     cfg.RequestsPerSecond,
			WindowSize:      time.Second,
			CleanupInterval: 5 * time.Minute,
		})
		defer limiter.Stop()
		policy = limiter
	}

	listener := handler.Listen(node.Host, tuning.Timeouts.RequestTimeout)
	memCache := cache.NewMemoryCache(cfg.CacheSize)
	bus := events.NewEventBus()
	logEvents(bus)

	srv, err := server.New(reg, server.Config{
		Prefix:                  cfg.Prefix,
		TotalBlocks:             cfg.TotalBlocks,
		Request:                 req,
		BalanceQuality:          tuning.Balance.BalanceQuality,
		MeanBalanceCheckPeriod:  tuning.Balance.MeanBalanceCheckPeriod,
		MeanBlockSelectionDelay: tuning.Balance.MeanBlockSelectionDelay,
		ReadyTimeout:            tuning.Timeouts.RequestTimeout,
		Seed:                    time.Now().UnixNano(),
		Host: host.Options{
			Loader:       backend.AffineLoader{NumBlocks: cfg.TotalBlocks},
			Cache:        memCache,
			Events:       bus,
			Throughput:   throughput,
			UpdatePeriod: tuning.Announce.UpdatePeriod,
			Expiration:   tuning.Announce.Expiration,
			Hidden:       cfg.HiddenSize,
			DType:        backend.DType(cfg.DType),
			IgnoredKeys:  cfg.IgnoredKeys,
			MinBatchSize: cfg.MinBatchSize,
			MaxBatchSize: cfg.MaxBatchSize,
			NumHandlers:  cfg.NumHandlers,
			Policy:       policy,
			Conns:        listener.Conns(),
			Handler: handler.Config{
				InferenceMaxLength: cfg.InferenceMaxLength,
				RequestTimeout:     tuning.Timeouts.RequestTimeout,
				SessionTimeout:     tuning.Timeouts.SessionTimeout,
				StepTimeout:        tuning.Timeouts.StepTimeout,
				AllocTimeout:       cfg.AllocTimeout,
			},
		},
	})
	if err != nil {
		listener.Close()
		_ = reg.Close()
		return err
	}

	var apiServer *api.Server
	if cfg.MetricsAddr != "" {
		apiServer = api.NewServer(api.Config{
			Addr:        cfg.MetricsAddr,
			Prefix:      cfg.Prefix,
			TotalBlocks: cfg.TotalBlocks,
		}, srv, memCache, reg)
		apiServer.Start()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)
	logx.Info("CMD", "Shutting down")
	listener.Close()
	srv.Shutdown()
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Shutdown(shutdownCtx)
		cancel()
	}
	return runErr
}

func logEvents(bus *events.EventBus) {
	_, ch := bus.Subscribe()
	exception.SafeGo("EventLogger", func() {
		for ev := range ch {
			switch e := ev.(type) {
			case *events.HostStateChanged:
				logx.Info("CMD", "Host state", e.State(), "for", len(e.UIDs()), "blocks")
			case *events.Rehost:
				logx.Info("CMD", "Rehosting away from blocks", e.From())
			case *events.HostCreateFailed:
				logx.Warn("CMD", "Host creation failed:", e.Err())
			}
		}
	})
}

func peerIDOf(priv crypto.PrivKey) (string, error) {
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
