// Package handler serves forward and inference requests for the blocks of
// one module host.
package handler

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/cache"
	"github.com/mezonai/blockswarm/errors"
	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/jsonx"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
	"github.com/mezonai/blockswarm/registry"
	"github.com/mezonai/blockswarm/runtime"
	pkgerrors "github.com/pkg/errors"
)

type Config struct {
	InferenceMaxLength int
	RequestTimeout     time.Duration
	SessionTimeout     time.Duration
	StepTimeout        time.Duration
	AllocTimeout       time.Duration
}

// Policy decides whether a peer may issue another request.
type Policy interface {
	Allow(peer string) bool
}

type Allocator interface {
	Acquire(ctx context.Context, size int64, timeout time.Duration) (*cache.Handle, error)
	Release(h *cache.Handle)
}

type Pools interface {
	Pool(uid string) (*runtime.Pool, bool)
}

type Options struct {
	Pools  Pools
	Cache  Allocator
	Ready  *runtime.ReadyEvent
	Policy Policy
	Config Config
}

// ConnectionHandler takes connections from a channel shared with its
// sibling handlers and serves each on its own goroutine.
type ConnectionHandler struct {
	id    int
	conns <-chan Conn
	opts  Options

	mu     sync.Mutex
	active map[Conn]struct{}
	wg     sync.WaitGroup

	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(id int, conns <-chan Conn, opts Options) *ConnectionHandler {
	return &ConnectionHandler{
		id:     id,
		conns:  conns,
		opts:   opts,
		active: make(map[Conn]struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (h *ConnectionHandler) name() string {
	return fmt.Sprintf("ConnectionHandler-%d", h.id)
}

func (h *ConnectionHandler) Start() {
	h.startOnce.Do(func() {
		exception.SafeGo(h.name(), func() {
			defer close(h.done)
			h.acceptLoop()
		})
	})
}

func (h *ConnectionHandler) acceptLoop() {
	for {
		select {
		case <-h.stop:
			return
		case c, ok := <-h.conns:
			if !ok {
				return
			}
			if !h.track(c) {
				_ = c.Close()
				return
			}
			exception.SafeGo(h.name()+":serve", func() {
				defer h.untrack(c)
				h.serve(c)
			})
		}
	}
}

func (h *ConnectionHandler) track(c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stop:
		return false
	default:
	}
	h.active[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *ConnectionHandler) untrack(c Conn) {
	_ = c.Close()
	h.mu.Lock()
	delete(h.active, c)
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown stops accepting, closes open connections and waits for their
// goroutines. It is idempotent.
func (h *ConnectionHandler) Shutdown() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		close(h.stop)
		for c := range h.active {
			_ = c.Close()
		}
		h.mu.Unlock()
	})
	h.startOnce.Do(func() {
		close(h.done)
	})
	<-h.done
	h.wg.Wait()
}

func (h *ConnectionHandler) serve(c Conn) {
	peer := c.RemotePeer()
	r := bufio.NewReader(c)

	_ = c.SetDeadline(time.Now().Add(h.opts.Config.RequestTimeout))
	var req Request
	if err := jsonx.ReadFrame(r, &req); err != nil {
		logx.Debug("HANDLER", "Failed to read request from", peer, ":", err)
		return
	}

	switch req.Kind {
	case KindForward:
		if req.Hidden == nil {
			h.reply(c, errorResponse(invalidRequest("missing hidden states")))
			return
		}
		out, err := h.Forward(context.Background(), peer, req.UIDs, *req.Hidden)
		if err != nil {
			h.reply(c, errorResponse(err))
			return
		}
		h.reply(c, Response{Hidden: &out})
	case KindInference:
		h.serveSession(c, r, peer, req)
	default:
		monitoring.RecordHandledRequest(string(req.Kind), string(errors.ErrCodeInvalidRequest))
		h.reply(c, errorResponse(invalidRequest("unknown request kind "+string(req.Kind))))
	}
}

func (h *ConnectionHandler) serveSession(c Conn, r *bufio.Reader, peer string, req Request) {
	s, err := h.OpenSession(context.Background(), peer, req.UIDs, req.BatchSize, req.MaxLength)
	if err != nil {
		h.reply(c, errorResponse(err))
		return
	}
	defer h.CloseSession(s)
	if !h.reply(c, Response{SessionID: s.ID}) {
		return
	}

	expires := time.Now().Add(h.opts.Config.SessionTimeout)
	for {
		deadline := time.Now().Add(h.opts.Config.StepTimeout)
		if deadline.After(expires) {
			deadline = expires
		}
		_ = c.SetDeadline(deadline)

		var step Request
		if err := jsonx.ReadFrame(r, &step); err != nil {
			if !time.Now().Before(expires) {
				_ = c.SetDeadline(time.Now().Add(h.opts.Config.RequestTimeout))
				h.reply(c, errorResponse(errors.NewError(errors.ErrCodeSessionExpired, errors.ErrMsgSessionExpired)))
			}
			logx.Debug("HANDLER", "Session", s.ID, "ended:", err)
			return
		}
		switch step.Kind {
		case KindClose:
			return
		case KindStep:
			if step.Hidden == nil {
				h.reply(c, errorResponse(invalidRequest("missing hidden states")))
				return
			}
			out, err := h.Step(context.Background(), s, *step.Hidden)
			if err != nil {
				h.reply(c, errorResponse(err))
				return
			}
			if !h.reply(c, Response{Hidden: &out}) {
				return
			}
		default:
			h.reply(c, errorResponse(invalidRequest("unexpected "+string(step.Kind)+" inside a session")))
			return
		}
	}
}

func (h *ConnectionHandler) reply(c Conn, resp Response) bool {
	if err := jsonx.WriteFrame(c, resp); err != nil {
		logx.Debug("HANDLER", "Failed to write response to", c.RemotePeer(), ":", err)
		return false
	}
	return true
}

// Forward runs hidden through the chain of uids once.
func (h *ConnectionHandler) Forward(ctx context.Context, peer, uids string, hidden backend.Tensor) (backend.Tensor, error) {
	out, err := h.forward(ctx, peer, uids, hidden)
	recordOutcome(string(KindForward), err)
	return out, err
}

func (h *ConnectionHandler) forward(ctx context.Context, peer, uids string, hidden backend.Tensor) (backend.Tensor, error) {
	if err := h.admit(peer); err != nil {
		return backend.Tensor{}, err
	}
	pools, err := h.resolve(uids)
	if err != nil {
		return backend.Tensor{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.Config.RequestTimeout)
	defer cancel()
	return h.run(ctx, pools, hidden)
}

// Session is an open inference session holding cache for its lifetime.
type Session struct {
	ID        string
	Peer      string
	BatchSize int
	MaxLength int
	Position  int

	pools  []*runtime.Pool
	handle *cache.Handle
	once   sync.Once
}

// OpenSession reserves cache for batch sequences of up to maxLength
// positions on every block in uids.
func (h *ConnectionHandler) OpenSession(ctx context.Context, peer, uids string, batch, maxLength int) (*Session, error) {
	s, err := h.openSession(ctx, peer, uids, batch, maxLength)
	recordOutcome(string(KindInference), err)
	return s, err
}

func (h *ConnectionHandler) openSession(ctx context.Context, peer, uids string, batch, maxLength int) (*Session, error) {
	if err := h.admit(peer); err != nil {
		return nil, err
	}
	pools, err := h.resolve(uids)
	if err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = 1
	}
	if maxLength <= 0 || maxLength > h.opts.Config.InferenceMaxLength {
		return nil, invalidRequest(fmt.Sprintf("max_length must be in [1, %d]", h.opts.Config.InferenceMaxLength))
	}
	for _, p := range pools {
		if batch > p.Backend.MaxBatchSize {
			return nil, invalidRequest(fmt.Sprintf("batch size %d exceeds %d", batch, p.Backend.MaxBatchSize))
		}
	}

	var size int64
	for _, p := range pools {
		size += p.Backend.CacheBytes(batch, maxLength)
	}
	handle, err := h.opts.Cache.Acquire(ctx, size, h.opts.Config.AllocTimeout)
	if err != nil {
		if pkgerrors.Is(err, cache.ErrAllocationTimeout) {
			return nil, errors.NewError(errors.ErrCodeCacheTimeout, errors.ErrMsgCacheTimeout)
		}
		logx.Error("HANDLER", "Cache allocation failed for", peer, ":", err)
		return nil, errors.NewError(errors.ErrCodeInternal, errors.ErrMsgInternal)
	}

	s := &Session{
		ID:        uuid.New().String(),
		Peer:      peer,
		BatchSize: batch,
		MaxLength: maxLength,
		pools:     pools,
		handle:    handle,
	}
	logx.Debug("HANDLER", "Opened session", s.ID, "for", peer, "holding", size, "cache bytes")
	return s, nil
}

// Step feeds the next positions of a session through its blocks.
func (h *ConnectionHandler) Step(ctx context.Context, s *Session, hidden backend.Tensor) (backend.Tensor, error) {
	out, err := h.step(ctx, s, hidden)
	recordOutcome(string(KindStep), err)
	return out, err
}

func (h *ConnectionHandler) step(ctx context.Context, s *Session, hidden backend.Tensor) (backend.Tensor, error) {
	if !h.opts.Ready.IsSet() {
		return backend.Tensor{}, errors.NewError(errors.ErrCodeHostNotReady, errors.ErrMsgHostNotReady)
	}
	if len(hidden.Shape) != 3 || hidden.Shape[0] != s.BatchSize {
		return backend.Tensor{}, invalidRequest(fmt.Sprintf("step shape %v does not match session batch %d", hidden.Shape, s.BatchSize))
	}
	if s.Position+hidden.Shape[1] > s.MaxLength {
		return backend.Tensor{}, invalidRequest(fmt.Sprintf("session would exceed max_length %d", s.MaxLength))
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.Config.RequestTimeout)
	defer cancel()
	out, err := h.run(ctx, s.pools, hidden)
	if err != nil {
		return backend.Tensor{}, err
	}
	s.Position += hidden.Shape[1]
	return out, nil
}

// CloseSession returns the session's cache. Calling it twice is harmless.
func (h *ConnectionHandler) CloseSession(s *Session) {
	s.once.Do(func() {
		h.opts.Cache.Release(s.handle)
		logx.Debug("HANDLER", "Closed session", s.ID)
	})
}

func (h *ConnectionHandler) admit(peer string) error {
	if h.opts.Ready == nil || !h.opts.Ready.IsSet() {
		return errors.NewError(errors.ErrCodeHostNotReady, errors.ErrMsgHostNotReady)
	}
	if h.opts.Policy != nil && !h.opts.Policy.Allow(peer) {
		return errors.NewError(errors.ErrCodeRateLimited, errors.ErrMsgRateLimited)
	}
	return nil
}

func (h *ConnectionHandler) resolve(uids string) ([]*runtime.Pool, error) {
	var pools []*runtime.Pool
	for _, uid := range strings.Split(uids, registry.ChainDelimiter) {
		if uid == "" {
			continue
		}
		p, ok := h.opts.Pools.Pool(uid)
		if !ok {
			return nil, errors.NewError(errors.ErrCodeUnknownBlock, fmt.Sprintf(errors.ErrMsgUnknownBlock, uid))
		}
		pools = append(pools, p)
	}
	if len(pools) == 0 {
		return nil, invalidRequest("no block uids given")
	}
	return pools, nil
}

func (h *ConnectionHandler) run(ctx context.Context, pools []*runtime.Pool, hidden backend.Tensor) (backend.Tensor, error) {
	if err := pools[0].Backend.ArgsSchema.Check(hidden); err != nil {
		return backend.Tensor{}, invalidRequest(err.Error())
	}
	for _, p := range pools {
		out, err := p.Submit(ctx, hidden)
		if err != nil {
			if pkgerrors.Is(err, runtime.ErrPoolClosed) {
				return backend.Tensor{}, errors.NewError(errors.ErrCodeHostNotReady, errors.ErrMsgHostNotReady)
			}
			logx.Warn("HANDLER", "Forward through", p.Name(), "failed:", err)
			return backend.Tensor{}, errors.NewError(errors.ErrCodeInternal, errors.ErrMsgInternal)
		}
		hidden = out
	}
	return hidden, nil
}

func invalidRequest(detail string) error {
	return errors.NewError(errors.ErrCodeInvalidRequest, errors.ErrMsgInvalidRequest+": "+detail)
}

func recordOutcome(kind string, err error) {
	if err == nil {
		monitoring.RecordHandledRequest(kind, "ok")
		return
	}
	code, ok := errors.CodeOf(err)
	if !ok {
		code = errors.ErrCodeInternal
	}
	monitoring.RecordHandledRequest(kind, string(code))
}
