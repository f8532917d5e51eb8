package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/mezonai/blockswarm/discovery"
	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/jsonx"
	"github.com/mezonai/blockswarm/logx"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// PresenceTopic carries every presence write so peers see state changes
// before the DHT value converges.
const PresenceTopic = "blockswarm/presence"

const defaultOpTimeout = 10 * time.Second

// maxConcurrentOps bounds the per-uid DHT operations one Put or Get runs at once.
const maxConcurrentOps = 16

type gossipMessage struct {
	Records []PresenceRecord `json:"records"`
}

// DHTRegistry stores presence values in the libp2p kad-dht, one value per
// block uid holding the map of its servers. Concurrent writers of the same uid
// may overwrite each other's entries; each writer restores its own entry on
// its next heartbeat, and gossip fills the gap in between.
type DHTRegistry struct {
	node      *discovery.Node
	clock     Clock
	opTimeout time.Duration
	store     routing.ValueStore
	routable  func() bool

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu     sync.RWMutex
	gossip map[string]map[string]ServerInfo

	stateMu      sync.Mutex
	bootstrapped bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Registry = (*DHTRegistry)(nil)

// NewDHTRegistry takes ownership of node: closing the registry closes it.
// The node's DHT must have been built with PresenceValidator for Namespace.
func NewDHTRegistry(node *discovery.Node, clock Clock) (*DHTRegistry, error) {
	if clock == nil {
		clock = time.Now
	}
	topic, err := node.PubSub.Join(PresenceTopic)
	if err != nil {
		return nil, errors.Wrap(err, "join presence topic")
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, errors.Wrap(err, "subscribe presence topic")
	}

	ctx, cancel := context.WithCancel(node.Context())
	r := &DHTRegistry{
		node:      node,
		clock:     clock,
		opTimeout: defaultOpTimeout,
		store:     node.DHT,
		topic:     topic,
		sub:       sub,
		gossip:    make(map[string]map[string]ServerInfo),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.routable = r.hasRoutingPeers
	exception.SafeGo("PresenceGossip", r.readGossip)
	return r, nil
}

func (r *DHTRegistry) PeerID() string {
	return r.node.PeerID()
}

func (r *DHTRegistry) EnsureRunning(ctx context.Context) error {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.bootstrapped {
		return nil
	}
	if err := r.node.Bootstrap(ctx); err != nil {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	r.bootstrapped = true
	return nil
}

func (r *DHTRegistry) isClosed() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.closed
}

// hasRoutingPeers reports whether the DHT has anyone to store values with.
// Connected peers that do not speak the DHT protocol do not count.
func (r *DHTRegistry) hasRoutingPeers() bool {
	return r.node.DHT.RoutingTable().Size() > 0
}

func (r *DHTRegistry) Put(ctx context.Context, records []PresenceRecord) error {
	if r.isClosed() {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}

	byUID := make(map[string][]PresenceRecord)
	var order []string
	for _, rec := range records {
		if _, seen := byUID[rec.BlockUID]; !seen {
			order = append(order, rec.BlockUID)
		}
		byUID[rec.BlockUID] = append(byUID[rec.BlockUID], rec)
	}

	r.mu.Lock()
	for _, rec := range records {
		r.cacheLocked(rec.BlockUID)[rec.PeerID] = ServerInfo{
			State:      rec.State,
			Throughput: rec.Throughput,
			ExpiresAt:  rec.ExpiresAt,
		}
	}
	r.mu.Unlock()

	if data, err := jsonx.Marshal(gossipMessage{Records: records}); err == nil {
		if err := r.topic.Publish(ctx, data); err != nil {
			logx.Warn("REGISTRY", "Failed to gossip presence records:", err)
		}
	}

	if !r.routable() {
		logx.Debug("REGISTRY", "No routing peers, presence kept in local view only")
		return nil
	}

	var (
		failMu  sync.Mutex
		failed  []string
		lastErr error
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrentOps)
	for _, uid := range order {
		uid := uid
		g.Go(func() error {
			if err := r.putUID(ctx, uid, byUID[uid]); err != nil {
				failMu.Lock()
				failed = append(failed, uid)
				lastErr = err
				failMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if lastErr != nil {
		sort.Strings(failed)
		return errors.Wrap(ErrUnavailable, fmt.Sprintf("store presence for %v: %v", failed, lastErr))
	}
	return nil
}

func (r *DHTRegistry) putUID(ctx context.Context, uid string, records []PresenceRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	now := r.clock()
	value := presenceValue{Servers: make(map[string]ServerInfo)}
	if current, err := r.fetch(ctx, uid); err == nil {
		value.Servers = liveServers(current.Servers, now)
	} else if !errors.Is(err, routing.ErrNotFound) {
		logx.Debug("REGISTRY", "Could not read current presence for", uid, err)
	}
	for _, rec := range records {
		value.Servers[rec.PeerID] = ServerInfo{
			State:      rec.State,
			Throughput: rec.Throughput,
			ExpiresAt:  rec.ExpiresAt,
		}
	}
	value.UpdatedAt = now

	data, err := jsonx.Marshal(value)
	if err != nil {
		return err
	}
	return r.store.PutValue(ctx, DHTKey(uid), data)
}

func (r *DHTRegistry) fetch(ctx context.Context, uid string) (*presenceValue, error) {
	raw, err := r.store.GetValue(ctx, DHTKey(uid))
	if err != nil {
		return nil, err
	}
	return decodePresenceValue(raw)
}

// Get fails with ErrUnavailable if any uid could not be looked up: an
// unreachable value must not be mistaken for a block nobody serves.
func (r *DHTRegistry) Get(ctx context.Context, uids []string, validAt time.Time) ([]*ModuleInfo, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}

	values := make([]*presenceValue, len(uids))
	if r.routable() && len(uids) > 0 {
		var g errgroup.Group
		g.SetLimit(maxConcurrentOps)
		for i, uid := range uids {
			i, uid := i, uid
			g.Go(func() error {
				lookupCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
				defer cancel()
				value, err := r.fetch(lookupCtx, uid)
				switch {
				case err == nil:
					values[i] = value
				case errors.Is(err, routing.ErrNotFound):
				default:
					return errors.Wrapf(err, "look up %s", uid)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, errors.Wrap(ErrUnavailable, err.Error())
		}
	}

	out := make([]*ModuleInfo, len(uids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, uid := range uids {
		servers := make(map[string]ServerInfo)
		for peerID, info := range r.gossip[uid] {
			servers[peerID] = info
		}
		if values[i] != nil {
			for peerID, info := range values[i].Servers {
				mergeServer(servers, peerID, info)
			}
		}
		if live := liveServers(servers, validAt); len(live) > 0 {
			out[i] = &ModuleInfo{UID: uid, Servers: live}
		}
	}
	return out, nil
}

func (r *DHTRegistry) cacheLocked(uid string) map[string]ServerInfo {
	servers, ok := r.gossip[uid]
	if !ok {
		servers = make(map[string]ServerInfo)
		r.gossip[uid] = servers
	}
	return servers
}

func (r *DHTRegistry) readGossip() {
	self := r.node.Host.ID()
	for {
		msg, err := r.sub.Next(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				logx.Warn("REGISTRY", "Presence subscription ended:", err)
			}
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		var gm gossipMessage
		if err := jsonx.Unmarshal(msg.Data, &gm); err != nil {
			logx.Warn("REGISTRY", "Dropping malformed presence gossip from", msg.ReceivedFrom.String())
			continue
		}
		author := msg.GetFrom().String()
		r.mu.Lock()
		for _, rec := range gm.Records {
			// peers may only speak for themselves
			if rec.PeerID != author {
				continue
			}
			mergeServer(r.cacheLocked(rec.BlockUID), rec.PeerID, ServerInfo{
				State:      rec.State,
				Throughput: rec.Throughput,
				ExpiresAt:  rec.ExpiresAt,
			})
		}
		r.mu.Unlock()
	}
}

// Close stops gossip and shuts the libp2p node down.
func (r *DHTRegistry) Close() error {
	r.stateMu.Lock()
	if r.closed {
		r.stateMu.Unlock()
		return nil
	}
	r.closed = true
	r.stateMu.Unlock()

	r.cancel()
	r.sub.Cancel()
	if err := r.topic.Close(); err != nil {
		logx.Warn("REGISTRY", "Failed to close presence topic:", err)
	}
	return r.node.Close()
}
