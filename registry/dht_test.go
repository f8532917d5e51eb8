package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/mezonai/blockswarm/discovery"
	"github.com/mezonai/blockswarm/jsonx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNode(t *testing.T, bootNodes ...string) *discovery.Node {
	t.Helper()
	node, err := discovery.NewNode(discovery.NodeConfig{
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		DHT: discovery.DHTConfig{
			BootNodes:  bootNodes,
			Validators: map[string]record.Validator{Namespace: PresenceValidator{}},
		},
	})
	require.NoError(t, err)
	return node
}

// slowStore is an in-memory routing.ValueStore where every call takes delay
// and keys in unreachable always fail.
type slowStore struct {
	delay       time.Duration
	unreachable map[string]bool

	mu       sync.Mutex
	values   map[string][]byte
	inflight int
	peak     int
}

func newSlowStore(delay time.Duration, unreachable ...string) *slowStore {
	s := &slowStore{delay: delay, unreachable: make(map[string]bool), values: make(map[string][]byte)}
	for _, uid := range unreachable {
		s.unreachable[DHTKey(uid)] = true
	}
	return s
}

func (s *slowStore) enter(ctx context.Context, key string) error {
	s.mu.Lock()
	s.inflight++
	if s.inflight > s.peak {
		s.peak = s.inflight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.unreachable[key] {
		return errors.New("no route to closest peers")
	}
	return nil
}

func (s *slowStore) PutValue(ctx context.Context, key string, value []byte, _ ...routing.Option) error {
	if err := s.enter(ctx, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *slowStore) GetValue(ctx context.Context, key string, _ ...routing.Option) ([]byte, error) {
	if err := s.enter(ctx, key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, routing.ErrNotFound
	}
	return value, nil
}

func (s *slowStore) SearchValue(ctx context.Context, key string, opts ...routing.Option) (<-chan []byte, error) {
	value, err := s.GetValue(ctx, key, opts...)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 1)
	out <- value
	close(out)
	return out, nil
}

func (s *slowStore) peakConcurrency() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

func newRegistryWithStore(t *testing.T, store routing.ValueStore) *DHTRegistry {
	t.Helper()
	reg, err := NewDHTRegistry(newTestNode(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	reg.store = store
	reg.routable = func() bool { return true }
	return reg
}

func TestDHTRegistryWritesManyBlocksWithinOneDeadline(t *testing.T) {
	store := newSlowStore(20 * time.Millisecond)
	reg := newRegistryWithStore(t, store)

	uids := make([]string, 20)
	for i := range uids {
		uids[i] = fmt.Sprintf("m.%d", i)
	}
	// one read and one write per uid: done one at a time this would need 800ms
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, Declare(ctx, reg, uids, ONLINE, 1, time.Now().Add(time.Minute)))
	assert.Greater(t, store.peakConcurrency(), 1)
	assert.LessOrEqual(t, store.peakConcurrency(), maxConcurrentOps)

	for _, uid := range uids {
		raw, err := store.GetValue(context.Background(), DHTKey(uid))
		require.NoError(t, err, uid)
		var value presenceValue
		require.NoError(t, jsonx.Unmarshal(raw, &value))
		assert.Equal(t, ONLINE, value.Servers[reg.PeerID()].State, uid)
	}
}

func TestDHTRegistryGetReportsUnreachableBlocks(t *testing.T) {
	store := newSlowStore(time.Millisecond, "m.1")
	reg := newRegistryWithStore(t, store)
	ctx := context.Background()

	infos, err := reg.Get(ctx, []string{"m.0", "m.2"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, []*ModuleInfo{nil, nil}, infos)

	// a failed lookup is not the same as nobody serving the block
	_, err = reg.Get(ctx, []string{"m.0", "m.1", "m.2"}, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "m.1")

	err = Declare(ctx, reg, []string{"m.0", "m.1"}, ONLINE, 1, time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "[m.1]")
}

func gossipServers(reg *DHTRegistry, uid string) map[string]ServerInfo {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make(map[string]ServerInfo)
	for peerID, info := range reg.gossip[uid] {
		out[peerID] = info
	}
	return out
}

func TestDHTRegistryTwoNodesShareWrites(t *testing.T) {
	nodeA := newTestNode(t)
	var boot []string
	for _, addr := range nodeA.Host.Addrs() {
		boot = append(boot, addr.String()+"/p2p/"+nodeA.PeerID())
	}
	nodeB := newTestNode(t, boot...)

	regA, err := NewDHTRegistry(nodeA, nil)
	require.NoError(t, err)
	defer regA.Close()
	regB, err := NewDHTRegistry(nodeB, nil)
	require.NoError(t, err)
	defer regB.Close()

	ctx := context.Background()
	require.NoError(t, regA.EnsureRunning(ctx))
	require.NoError(t, regB.EnsureRunning(ctx))
	require.Eventually(t, func() bool {
		return nodeA.DHT.RoutingTable().Size() > 0 && nodeB.DHT.RoutingTable().Size() > 0
	}, 10*time.Second, 100*time.Millisecond)

	idA, idB := regA.PeerID(), regB.PeerID()
	now := time.Now()

	require.NoError(t, Declare(ctx, regA, []string{"m.0"}, ONLINE, 2, now.Add(time.Minute)))
	require.Eventually(t, func() bool {
		value, err := regB.fetch(ctx, "m.0")
		return err == nil && value.Servers[idA].State == ONLINE
	}, 10*time.Second, 100*time.Millisecond)
	infos, err := regB.Get(ctx, []string{"m.0"}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, infos[0])
	assert.Equal(t, ONLINE, infos[0].Servers[idA].State)
	assert.Equal(t, 2.0, infos[0].Servers[idA].Throughput)

	// the second writer keeps the first writer's entry
	require.NoError(t, Declare(ctx, regB, []string{"m.0"}, ONLINE, 1, now.Add(time.Minute)))
	require.Eventually(t, func() bool {
		value, err := regA.fetch(ctx, "m.0")
		return err == nil && len(value.Servers) == 2
	}, 10*time.Second, 100*time.Millisecond)

	// gossip: only the author's own records are accepted
	forged, err := jsonx.Marshal(gossipMessage{Records: []PresenceRecord{
		{PeerID: "forged-peer", BlockUID: "m.9", State: ONLINE, Throughput: 1, ExpiresAt: now.Add(time.Minute)},
		{PeerID: idA, BlockUID: "m.8", State: ONLINE, Throughput: 1, ExpiresAt: now.Add(time.Minute)},
	}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if _, ok := gossipServers(regB, "m.8")[idA]; ok {
			return true
		}
		_ = regA.topic.Publish(ctx, forged)
		return false
	}, 10*time.Second, 100*time.Millisecond)
	assert.Empty(t, gossipServers(regB, "m.9"))

	require.NoError(t, Declare(ctx, regA, []string{"m.0"}, OFFLINE, 0, now.Add(2*time.Minute)))
	require.Eventually(t, func() bool {
		infos, err := regB.Get(ctx, []string{"m.0"}, time.Now())
		if err != nil || infos[0] == nil {
			return false
		}
		a, b := infos[0].Servers[idA], infos[0].Servers[idB]
		return a.State == OFFLINE && b.State == ONLINE
	}, 10*time.Second, 100*time.Millisecond)
}

func TestDHTRegistryServesOwnWritesWithoutPeers(t *testing.T) {
	node := newTestNode(t)
	reg, err := NewDHTRegistry(node, nil)
	require.NoError(t, err)
	defer reg.Close()

	ctx := context.Background()
	require.NoError(t, reg.EnsureRunning(ctx))
	assert.Equal(t, node.PeerID(), reg.PeerID())

	now := time.Now()
	require.NoError(t, Declare(ctx, reg, []string{"m.0", "m.1"}, ONLINE, 3, now.Add(time.Minute)))

	infos, err := reg.Get(ctx, []string{"m.0", "m.1", "m.2"}, now)
	require.NoError(t, err)
	require.NotNil(t, infos[0])
	require.NotNil(t, infos[1])
	assert.Nil(t, infos[2])
	assert.Equal(t, ONLINE, infos[0].Servers[reg.PeerID()].State)
	assert.Equal(t, 3.0, infos[1].Servers[reg.PeerID()].Throughput)

	infos, err = reg.Get(ctx, []string{"m.0"}, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, infos[0])

	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())
	assert.ErrorIs(t, reg.Put(ctx, nil), ErrClosed)
	assert.ErrorIs(t, reg.EnsureRunning(ctx), ErrClosed)
}
