package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryRegistryPutGet(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryRegistry(clock.Now)
	a := store.Client("peer-a")
	b := store.Client("peer-b")
	ctx := context.Background()

	require.NoError(t, Declare(ctx, a, []string{"m.0", "m.1"}, ONLINE, 2, clock.Now().Add(time.Minute)))
	require.NoError(t, Declare(ctx, b, []string{"m.1"}, JOINING, 1, clock.Now().Add(time.Minute)))

	infos, err := a.Get(ctx, []string{"m.0", "m.1", "m.2"}, clock.Now())
	require.NoError(t, err)
	require.Len(t, infos, 3)

	require.NotNil(t, infos[0])
	assert.Equal(t, "m.0", infos[0].UID)
	assert.Equal(t, ONLINE, infos[0].Servers["peer-a"].State)

	require.NotNil(t, infos[1])
	assert.Len(t, infos[1].Servers, 2)
	assert.Equal(t, JOINING, infos[1].Servers["peer-b"].State)
	assert.Equal(t, 1.0, infos[1].Servers["peer-b"].Throughput)

	assert.Nil(t, infos[2])
}

func TestLeaseNeverValidPastExpiration(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryRegistry(clock.Now)
	a := store.Client("peer-a")
	ctx := context.Background()

	const updatePeriod = 10 * time.Second
	expiration := 2 * updatePeriod
	written := clock.Now()
	require.NoError(t, Declare(ctx, a, []string{"m.0"}, ONLINE, 1, written.Add(expiration)))

	infos, err := a.Get(ctx, []string{"m.0"}, written.Add(expiration-time.Nanosecond))
	require.NoError(t, err)
	assert.NotNil(t, infos[0])

	infos, err = a.Get(ctx, []string{"m.0"}, written.Add(expiration))
	require.NoError(t, err)
	assert.Nil(t, infos[0], "record must not be valid at T+E")

	// a heartbeat one period later keeps the record valid past the first lease
	clock.Advance(updatePeriod)
	require.NoError(t, Declare(ctx, a, []string{"m.0"}, ONLINE, 1, clock.Now().Add(expiration)))
	infos, err = a.Get(ctx, []string{"m.0"}, written.Add(expiration))
	require.NoError(t, err)
	assert.NotNil(t, infos[0])
}

func TestLaterWriteReplacesPeersRecord(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryRegistry(clock.Now)
	a := store.Client("peer-a")
	ctx := context.Background()

	require.NoError(t, Declare(ctx, a, []string{"m.0"}, ONLINE, 1, clock.Now().Add(time.Minute)))
	require.NoError(t, Declare(ctx, a, []string{"m.0"}, OFFLINE, 1, clock.Now().Add(time.Minute)))

	infos, err := a.Get(ctx, []string{"m.0"}, clock.Now())
	require.NoError(t, err)
	require.NotNil(t, infos[0])
	assert.Equal(t, OFFLINE, infos[0].Servers["peer-a"].State)

	writes := store.WritesFor("m.0")
	require.Len(t, writes, 2)
	assert.Equal(t, ONLINE, writes[0].State)
	assert.Equal(t, OFFLINE, writes[1].State)
}

func TestMemoryClientFailuresAndClose(t *testing.T) {
	store := NewMemoryRegistry(nil)
	a := store.Client("peer-a")
	ctx := context.Background()

	boom := errors.New("boom")
	store.SetFailure(boom)
	assert.ErrorIs(t, a.Put(ctx, []PresenceRecord{{PeerID: "peer-a", BlockUID: "m.0"}}), boom)
	_, err := a.Get(ctx, []string{"m.0"}, time.Now())
	assert.ErrorIs(t, err, boom)
	store.SetFailure(nil)

	require.NoError(t, a.EnsureRunning(ctx))
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.EnsureRunning(ctx), ErrClosed)
	assert.ErrorIs(t, a.Put(ctx, nil), ErrClosed)
}

func TestModuleUIDs(t *testing.T) {
	assert.Equal(t, []string{"bloom.2", "bloom.3"}, ModuleUIDs("bloom", 2, 4))

	prefix, index, err := ParseModuleUID("bloom-7b.12")
	require.NoError(t, err)
	assert.Equal(t, "bloom-7b", prefix)
	assert.Equal(t, 12, index)

	for _, bad := range []string{"bloom", ".3", "bloom.", "bloom.x", "bloom.-1"} {
		_, _, err := ParseModuleUID(bad)
		assert.Error(t, err, bad)
	}

	assert.NoError(t, ValidatePrefix("bloom-7b"))
	assert.Error(t, ValidatePrefix(""))
	assert.Error(t, ValidatePrefix("bigscience/bloom"))
	assert.Error(t, ValidatePrefix("bloom.v2"))
}

func TestServerStateString(t *testing.T) {
	assert.Equal(t, "OFFLINE", OFFLINE.String())
	assert.Equal(t, "JOINING", JOINING.String())
	assert.Equal(t, "ONLINE", ONLINE.String())
	assert.Equal(t, "ServerState(7)", ServerState(7).String())
}
