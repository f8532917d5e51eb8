package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/mezonai/blockswarm/logx"
)

const (
	defaultLowWater  = 80
	defaultHighWater = 100
	connGracePeriod  = time.Minute
	mdnsServiceName  = "blockswarm"
)

// NodeConfig describes the libp2p peer a server runs for the whole process lifetime.
type NodeConfig struct {
	Identity    crypto.PrivKey
	ListenAddrs []string
	DHT         DHTConfig
	// LowWater and HighWater bound the connection manager; zero uses 80/100.
	LowWater  int
	HighWater int
	// EnableMDNS finds peers on the local network without initial peers.
	EnableMDNS bool
	// NATPortMap asks the gateway to forward the listen ports.
	NATPortMap bool
}

// Node bundles the libp2p host, its kad-dht and a gossipsub router. It is
// opened once per process and shared by every module host the server runs.
type Node struct {
	Host   host.Host
	DHT    *dht.IpfsDHT
	PubSub *pubsub.PubSub

	mdns      mdns.Service
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

func NewNode(cfg NodeConfig) (*Node, error) {
	dhtOpts, err := cfg.DHT.GetLibp2pRawOptions()
	if err != nil {
		return nil, err
	}

	low, high := cfg.LowWater, cfg.HighWater
	if low <= 0 {
		low = defaultLowWater
	}
	if high <= low {
		high = low + defaultHighWater - defaultLowWater
	}
	mgr, err := connmgr.NewConnManager(low, high, connmgr.WithGracePeriod(connGracePeriod))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	var ddht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.ConnectionManager(mgr),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			ddht, err = dht.New(ctx, h, dhtOpts...)
			return ddht, err
		}),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}
	if cfg.NATPortMap {
		opts = append(opts, libp2p.NATPortMap())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMaxMessageSize(1024*1024),
	)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	n := &Node{
		Host:   h,
		DHT:    ddht,
		PubSub: ps,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := n.connectBootNodes(cfg.DHT.BootNodes); err != nil {
		logx.Warn("DHT", "Could not reach any initial peer:", err)
	}
	if cfg.EnableMDNS {
		n.mdns = mdns.NewMdnsService(h, mdnsServiceName, n)
		if err := n.mdns.Start(); err != nil {
			logx.Warn("DHT", "Failed to start mDNS service:", err)
			n.mdns = nil
		} else {
			logx.Info("DHT", "mDNS service started")
		}
	}

	logx.Info("DHT", fmt.Sprintf("Libp2p node started with ID: %s", h.ID().String()))
	for _, addr := range h.Addrs() {
		logx.Info("DHT", "Listening on:", addr.String())
	}
	return n, nil
}

func (n *Node) connectBootNodes(bootNodes []string) error {
	infos, err := ResolveAndParseMultiAddrs(bootNodes)
	if err != nil {
		return err
	}
	var lastErr error
	for _, info := range infos {
		if info.ID == n.Host.ID() {
			continue
		}
		if err := n.Host.Connect(n.ctx, info); err != nil {
			logx.Warn("DHT", "Failed to connect to initial peer", info.ID.String(), err)
			lastErr = err
			continue
		}
		logx.Info("DHT", "Connected to initial peer:", info.ID.String())
	}
	return lastErr
}

// HandlePeerFound connects to peers announced over mDNS.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.Host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, resolveTimeout)
	defer cancel()
	if err := n.Host.Connect(ctx, info); err != nil {
		logx.Debug("DHT", "Failed to connect to mDNS peer", info.ID.String(), err)
		return
	}
	logx.Info("DHT", "Discovered peer via mDNS:", info.ID.String())
}

// Bootstrap (re)starts the DHT routing table refresh.
func (n *Node) Bootstrap(ctx context.Context) error {
	return n.DHT.Bootstrap(ctx)
}

// Context is cancelled when the node closes.
func (n *Node) Context() context.Context {
	return n.ctx
}

func (n *Node) PeerID() string {
	return n.Host.ID().String()
}

// Close stops the DHT and the host. Only the first call does any work.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		if n.mdns != nil {
			_ = n.mdns.Close()
		}
		if err := n.DHT.Close(); err != nil {
			logx.Error("DHT", "Failed to close dht:", err)
			n.closeErr = err
		}
		n.cancel()
		if err := n.Host.Close(); err != nil {
			logx.Error("DHT", "Failed to close host:", err)
			n.closeErr = err
		}
	})
	return n.closeErr
}
