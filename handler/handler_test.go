package handler

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/cache"
	"github.com/mezonai/blockswarm/errors"
	"github.com/mezonai/blockswarm/jsonx"
	"github.com/mezonai/blockswarm/ratelimit"
	"github.com/mezonai/blockswarm/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
	peer string
}

func (p pipeConn) RemotePeer() string { return p.peer }

var testConfig = Config{
	InferenceMaxLength: 8,
	RequestTimeout:     time.Second,
	SessionTimeout:     5 * time.Second,
	StepTimeout:        time.Second,
	AllocTimeout:       50 * time.Millisecond,
}

type fixture struct {
	rt      *runtime.Runtime
	cache   *cache.MemoryCache
	conns   chan Conn
	handler *ConnectionHandler
}

func newFixture(t *testing.T, capacity int64, policy Policy) *fixture {
	t.Helper()
	var backends []*backend.Backend
	for i := 0; i < 2; i++ {
		block, err := backend.AffineLoader{}.Load(context.Background(), i, backend.LoadOptions{Hidden: 2})
		require.NoError(t, err)
		b, err := backend.NewBackend("m."+strconv.Itoa(i), i, block, backend.Options{
			Hidden:       2,
			MaxLength:    8,
			MaxBatchSize: 2,
		})
		require.NoError(t, err)
		backends = append(backends, b)
	}
	rt := runtime.New(backends)
	go func() { _ = rt.Run() }()
	require.True(t, rt.Ready().Wait(time.Second))

	f := &fixture{rt: rt, cache: cache.NewMemoryCache(capacity), conns: make(chan Conn)}
	f.handler = New(0, f.conns, Options{
		Pools:  rt,
		Cache:  f.cache,
		Ready:  rt.Ready(),
		Policy: policy,
		Config: testConfig,
	})
	f.handler.Start()
	t.Cleanup(func() {
		f.handler.Shutdown()
		rt.Shutdown()
	})
	return f
}

// dial hands the server end of a pipe to the handlers.
func (f *fixture) dial(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	client, server := net.Pipe()
	f.conns <- pipeConn{Conn: server, peer: "client-1"}
	t.Cleanup(func() { _ = client.Close() })
	return client, bufio.NewReader(client)
}

func exchange(t *testing.T, c net.Conn, r *bufio.Reader, req Request) Response {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, jsonx.WriteFrame(c, req))
	var resp Response
	require.NoError(t, jsonx.ReadFrame(r, &resp))
	return resp
}

func hidden(batch, length int, v float32) *backend.Tensor {
	t := backend.NewTensor(batch, length, 2)
	for i := range t.Data {
		t.Data[i] = v
	}
	return &t
}

func TestForwardThroughChain(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	c, r := f.dial(t)

	resp := exchange(t, c, r, Request{Kind: KindForward, UIDs: "m.0 m.1", Hidden: hidden(1, 1, 1)})
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Hidden)
	assert.Equal(t, []float32{4, 4}, resp.Hidden.Data)
}

func TestForwardUnknownBlock(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	c, r := f.dial(t)

	resp := exchange(t, c, r, Request{Kind: KindForward, UIDs: "m.0 m.7", Hidden: hidden(1, 1, 1)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ErrCodeUnknownBlock, resp.Error.Code)
}

func TestForwardRejectsBadShape(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	_, err := f.handler.Forward(context.Background(), "p", "m.0", backend.NewTensor(1, 1, 5))
	code, ok := errors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeInvalidRequest, code)
}

func TestRequestsFailFastWhenNotReady(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	f.rt.Ready().Clear()

	_, err := f.handler.Forward(context.Background(), "p", "m.0", *hidden(1, 1, 0))
	code, _ := errors.CodeOf(err)
	assert.Equal(t, errors.ErrCodeHostNotReady, code)
}

func TestPolicyRateLimitsPeers(t *testing.T) {
	limiter := ratelimit.NewRateLimiter(&ratelimit.RateLimiterConfig{MaxRequests: 1, WindowSize: time.Minute})
	defer limiter.Stop()
	f := newFixture(t, 1<<20, limiter)

	_, err := f.handler.Forward(context.Background(), "p", "m.0", *hidden(1, 1, 0))
	require.NoError(t, err)
	_, err = f.handler.Forward(context.Background(), "p", "m.0", *hidden(1, 1, 0))
	code, _ := errors.CodeOf(err)
	assert.Equal(t, errors.ErrCodeRateLimited, code)

	_, err = f.handler.Forward(context.Background(), "other", "m.0", *hidden(1, 1, 0))
	assert.NoError(t, err)
}

func TestInferenceSessionHoldsCacheUntilClosed(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	c, r := f.dial(t)

	resp := exchange(t, c, r, Request{Kind: KindInference, UIDs: "m.0 m.1", BatchSize: 1, MaxLength: 4})
	require.Nil(t, resp.Error)
	assert.NotEmpty(t, resp.SessionID)

	// two blocks, 4 positions, 2 hidden * key+value * 4 bytes
	assert.Equal(t, int64(2*4*16), f.cache.Used())

	resp = exchange(t, c, r, Request{Kind: KindStep, Hidden: hidden(1, 2, 0)})
	require.Nil(t, resp.Error)
	assert.Equal(t, []float32{3, 3, 3, 3}, resp.Hidden.Data)

	resp = exchange(t, c, r, Request{Kind: KindStep, Hidden: hidden(1, 2, 1)})
	require.Nil(t, resp.Error)

	resp = exchange(t, c, r, Request{Kind: KindStep, Hidden: hidden(1, 1, 1)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ErrCodeInvalidRequest, resp.Error.Code)

	require.Eventually(t, func() bool { return f.cache.Used() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInferenceSessionCloseReleasesCache(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	c, r := f.dial(t)

	resp := exchange(t, c, r, Request{Kind: KindInference, UIDs: "m.1", MaxLength: 8})
	require.Nil(t, resp.Error)
	require.NoError(t, jsonx.WriteFrame(c, Request{Kind: KindClose}))

	require.Eventually(t, func() bool { return f.cache.Used() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInferenceRejectedWhenCacheIsFull(t *testing.T) {
	f := newFixture(t, 64, nil)
	c, r := f.dial(t)

	resp := exchange(t, c, r, Request{Kind: KindInference, UIDs: "m.0", MaxLength: 8})
	require.NotNil(t, resp.Error)
	assert.Equal(t, errors.ErrCodeCacheTimeout, resp.Error.Code)
}

func TestOpenSessionValidatesLimits(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	ctx := context.Background()

	_, err := f.handler.OpenSession(ctx, "p", "m.0", 1, testConfig.InferenceMaxLength+1)
	code, _ := errors.CodeOf(err)
	assert.Equal(t, errors.ErrCodeInvalidRequest, code)

	_, err = f.handler.OpenSession(ctx, "p", "m.0", 3, 4)
	code, _ = errors.CodeOf(err)
	assert.Equal(t, errors.ErrCodeInvalidRequest, code)

	s, err := f.handler.OpenSession(ctx, "p", "m.0", 2, 4)
	require.NoError(t, err)
	_, err = f.handler.Step(ctx, s, *hidden(1, 1, 0))
	assert.Error(t, err)
	f.handler.CloseSession(s)
	f.handler.CloseSession(s)
	assert.Equal(t, int64(0), f.cache.Used())
}

func TestShutdownClosesOpenSessions(t *testing.T) {
	f := newFixture(t, 1<<20, nil)
	c, r := f.dial(t)

	resp := exchange(t, c, r, Request{Kind: KindInference, UIDs: "m.0", MaxLength: 4})
	require.Nil(t, resp.Error)
	require.NotZero(t, f.cache.Used())

	done := make(chan struct{})
	go func() {
		f.handler.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish with an open session")
	}
	f.handler.Shutdown()
	assert.Equal(t, int64(0), f.cache.Used())
}
