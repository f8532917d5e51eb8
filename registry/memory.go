package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is an in-process registry shared by any number of peers.
// It backs single-machine swarms and tests; every write is also appended to
// a log so the order of announcements can be inspected.
type MemoryRegistry struct {
	mu      sync.RWMutex
	modules map[string]map[string]ServerInfo
	writes  []PresenceRecord
	clock   Clock
	failErr error
}

func NewMemoryRegistry(clock Clock) *MemoryRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRegistry{
		modules: make(map[string]map[string]ServerInfo),
		clock:   clock,
	}
}

// Client returns a view of the registry that writes as peerID.
func (m *MemoryRegistry) Client(peerID string) *MemoryClient {
	return &MemoryClient{store: m, peerID: peerID}
}

// Now reports the registry clock.
func (m *MemoryRegistry) Now() time.Time {
	return m.clock()
}

// SetFailure makes every subsequent Put and Get fail with err; nil heals it.
func (m *MemoryRegistry) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Writes returns a copy of every record written so far, in write order.
func (m *MemoryRegistry) Writes() []PresenceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PresenceRecord(nil), m.writes...)
}

// WritesFor filters Writes to one uid.
func (m *MemoryRegistry) WritesFor(uid string) []PresenceRecord {
	var out []PresenceRecord
	for _, rec := range m.Writes() {
		if rec.BlockUID == uid {
			out = append(out, rec)
		}
	}
	return out
}

func (m *MemoryRegistry) put(records []PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	for _, rec := range records {
		servers, ok := m.modules[rec.BlockUID]
		if !ok {
			servers = make(map[string]ServerInfo)
			m.modules[rec.BlockUID] = servers
		}
		servers[rec.PeerID] = ServerInfo{
			State:      rec.State,
			Throughput: rec.Throughput,
			ExpiresAt:  rec.ExpiresAt,
		}
		m.writes = append(m.writes, rec)
	}
	return nil
}

func (m *MemoryRegistry) get(uids []string, validAt time.Time) ([]*ModuleInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	out := make([]*ModuleInfo, len(uids))
	for i, uid := range uids {
		live := liveServers(m.modules[uid], validAt)
		if len(live) == 0 {
			continue
		}
		out[i] = &ModuleInfo{UID: uid, Servers: live}
	}
	return out, nil
}

// MemoryClient is one peer's handle on a MemoryRegistry.
type MemoryClient struct {
	store  *MemoryRegistry
	peerID string

	mu     sync.Mutex
	closed bool
}

var _ Registry = (*MemoryClient)(nil)

func (c *MemoryClient) PeerID() string {
	return c.peerID
}

func (c *MemoryClient) Put(ctx context.Context, records []PresenceRecord) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.store.put(records)
}

func (c *MemoryClient) Get(ctx context.Context, uids []string, validAt time.Time) ([]*ModuleInfo, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.store.get(uids, validAt)
}

func (c *MemoryClient) EnsureRunning(ctx context.Context) error {
	return c.check(ctx)
}

func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MemoryClient) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
