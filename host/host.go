// Package host owns the blocks a server currently serves and sequences
// their presence announcements: JOINING while loading, ONLINE while serving,
// a single OFFLINE on the way out.
package host

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/mezonai/blockswarm/announcer"
	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/events"
	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/handler"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
	"github.com/mezonai/blockswarm/placement"
	"github.com/mezonai/blockswarm/registry"
	"github.com/mezonai/blockswarm/runtime"
)

var (
	// ErrBlockLoad is returned by Create when a block could not be loaded.
	// OFFLINE has been declared for the whole range by then.
	ErrBlockLoad = errors.New("failed to load block")
	ErrShutdown  = errors.New("module host is shut down")
)

const maxRegistryTimeout = 30 * time.Second

type Options struct {
	Registry registry.Registry
	Clock    registry.Clock
	Loader   backend.Loader
	Cache    handler.Allocator
	Events   *events.EventBus

	Prefix     string
	Range      placement.BlockRange
	Throughput float64

	UpdatePeriod time.Duration
	Expiration   time.Duration

	Hidden       int
	DType        backend.DType
	IgnoredKeys  []string
	MinBatchSize int
	MaxBatchSize int

	NumHandlers int
	Handler     handler.Config
	Policy      handler.Policy
	// Conns feeds incoming request streams to the handlers. Nil leaves the
	// handlers reachable only through Handler().
	Conns <-chan handler.Conn
}

type ModuleHost struct {
	opts     Options
	uids     []string
	backends []*backend.Backend
	runtime  *runtime.Runtime
	handlers []*handler.ConnectionHandler
	online   *announcer.Announcer

	mu    sync.Mutex
	state State

	runOnce      sync.Once
	shutdownOnce sync.Once
	done         chan struct{}
	runErr       error
}

// Create loads every block of opts.Range while announcing JOINING. If any
// load fails, the JOINING announcer is stopped, OFFLINE is declared for the
// whole range and an error wrapping ErrBlockLoad is returned.
func Create(ctx context.Context, opts Options) (*ModuleHost, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Expiration <= 0 {
		opts.Expiration = announcer.DefaultExpiration(opts.UpdatePeriod)
	}
	if opts.NumHandlers <= 0 {
		opts.NumHandlers = 1
	}
	if opts.Conns == nil {
		opts.Conns = make(chan handler.Conn)
	}

	h := &ModuleHost{
		opts:  opts,
		uids:  registry.ModuleUIDs(opts.Prefix, opts.Range.Start, opts.Range.End),
		state: Constructing,
		done:  make(chan struct{}),
	}
	monitoring.SetHostState(Constructing.String())

	joining := announcer.New(opts.Registry, opts.Clock, h.announcerConfig(registry.JOINING))
	joining.Start()
	h.setState(Joining)
	logx.Info("HOST", "Announced that blocks", opts.Range.String(), "are joining")

	backends, err := h.loadBackends(ctx)
	joining.Stop()
	if err != nil {
		h.declareOffline()
		h.setState(Terminated)
		return nil, err
	}
	h.backends = backends

	h.runtime = runtime.New(backends)
	for i := 0; i < opts.NumHandlers; i++ {
		h.handlers = append(h.handlers, handler.New(i, opts.Conns, handler.Options{
			Pools:  h.runtime,
			Cache:  opts.Cache,
			Ready:  h.runtime.Ready(),
			Policy: opts.Policy,
			Config: opts.Handler,
		}))
	}
	h.online = announcer.New(opts.Registry, opts.Clock, h.announcerConfig(registry.ONLINE))
	return h, nil
}

func (h *ModuleHost) loadBackends(ctx context.Context) ([]*backend.Backend, error) {
	loadOpts := backend.LoadOptions{
		DType:       h.opts.DType,
		Hidden:      h.opts.Hidden,
		IgnoredKeys: h.opts.IgnoredKeys,
	}
	backends := make([]*backend.Backend, 0, len(h.uids))
	for i, uid := range h.uids {
		index := h.opts.Range.Start + i
		block, err := h.opts.Loader.Load(ctx, index, loadOpts)
		if err != nil {
			logx.Error("HOST", "Failed to load block", uid, ":", err)
			return nil, errors.Wrapf(ErrBlockLoad, "%s: %v", uid, err)
		}
		b, err := backend.NewBackend(uid, index, block, backend.Options{
			Hidden:       h.opts.Hidden,
			MaxLength:    h.opts.Handler.InferenceMaxLength,
			MinBatchSize: h.opts.MinBatchSize,
			MaxBatchSize: h.opts.MaxBatchSize,
		})
		if err != nil {
			return nil, errors.Wrapf(ErrBlockLoad, "%s: %v", uid, err)
		}
		backends = append(backends, b)
	}
	return backends, nil
}

func (h *ModuleHost) announcerConfig(state registry.ServerState) announcer.Config {
	return announcer.Config{
		UIDs:         h.uids,
		State:        state,
		Throughput:   h.opts.Throughput,
		UpdatePeriod: h.opts.UpdatePeriod,
		Expiration:   h.opts.Expiration,
	}
}

// registryTimeout bounds one-off registry calls made outside the announcers.
func (h *ModuleHost) registryTimeout() time.Duration {
	if t := h.opts.UpdatePeriod; t > 0 && t < maxRegistryTimeout {
		return t
	}
	return maxRegistryTimeout
}

func (h *ModuleHost) declareOffline() {
	ctx, cancel := context.WithTimeout(context.Background(), h.registryTimeout())
	defer cancel()
	expiresAt := h.opts.Clock().Add(h.opts.Expiration)
	err := registry.Declare(ctx, h.opts.Registry, h.uids, registry.OFFLINE, h.opts.Throughput, expiresAt)
	if err != nil {
		monitoring.RecordAnnouncement(registry.OFFLINE.String(), monitoring.AnnounceFailed)
		logx.Error("HOST", "Failed to announce that blocks", h.opts.Range.String(), "are offline:", err)
		return
	}
	monitoring.RecordAnnouncement(registry.OFFLINE.String(), monitoring.AnnounceOK)
	logx.Info("HOST", "Announced that blocks", h.opts.Range.String(), "are offline")
}

// setState advances the state machine; backward moves are ignored.
func (h *ModuleHost) setState(next State) bool {
	h.mu.Lock()
	ok := h.setStateLocked(next)
	h.mu.Unlock()
	return ok
}

func (h *ModuleHost) setStateLocked(next State) bool {
	if !h.state.canAdvance(next) {
		return false
	}
	h.state = next
	monitoring.SetHostState(next.String())
	h.opts.Events.Publish(events.NewHostStateChanged(h.opts.Registry.PeerID(), next.String(), h.uids))
	return true
}

func (h *ModuleHost) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *ModuleHost) UIDs() []string {
	return append([]string(nil), h.uids...)
}

func (h *ModuleHost) Range() placement.BlockRange {
	return h.opts.Range
}

// Ready is set once the runtime has warmed up and cleared on shutdown.
func (h *ModuleHost) Ready() *runtime.ReadyEvent {
	return h.runtime.Ready()
}

// Done is closed when Run returns, whether by Shutdown or by failure.
func (h *ModuleHost) Done() <-chan struct{} {
	return h.done
}

// Err reports why Run returned. Only meaningful after Done is closed.
func (h *ModuleHost) Err() error {
	<-h.done
	return h.runErr
}

// Handler returns a request handler for in-process callers.
func (h *ModuleHost) Handler() *handler.ConnectionHandler {
	return h.handlers[0]
}

// Run ensures the registry is reachable, starts announcing ONLINE, starts the
// handlers and blocks in the runtime until Shutdown.
func (h *ModuleHost) Run() error {
	started := false
	h.runOnce.Do(func() {
		started = true
		defer close(h.done)
		h.runErr = h.run()
	})
	if !started {
		return ErrShutdown
	}
	return h.runErr
}

func (h *ModuleHost) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.registryTimeout())
	err := h.opts.Registry.EnsureRunning(ctx)
	cancel()
	if err != nil {
		return errors.Wrap(err, "registry is not running")
	}

	h.mu.Lock()
	if h.state >= Offline {
		h.mu.Unlock()
		return ErrShutdown
	}
	h.online.Start()
	h.setStateLocked(Serving)
	h.mu.Unlock()
	monitoring.SetServedBlocks(len(h.uids))
	logx.Info("HOST", "Serving blocks", h.opts.Range.String())

	for _, ch := range h.handlers {
		ch.Start()
	}
	return h.runtime.Run()
}

// RunInBackground starts Run on its own goroutine. With awaitReady it waits
// up to timeout, or until ctx is done, for the host to become request-capable.
func (h *ModuleHost) RunInBackground(ctx context.Context, awaitReady bool, timeout time.Duration) error {
	exception.SafeGo("ModuleHost.Run", func() {
		if err := h.Run(); err != nil && !errors.Is(err, ErrShutdown) {
			logx.Error("HOST", "Module host stopped:", err)
		}
	})
	if !awaitReady {
		return nil
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-h.Ready().Done():
		return nil
	case <-h.done:
		if h.runErr != nil {
			return h.runErr
		}
		return ErrShutdown
	case <-expired:
		return errors.Errorf("module host did not become ready in %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops announcing ONLINE, declares OFFLINE, and tears down the
// handlers, pools and runtime. Every step runs even if an earlier one
// fails; calling it again is a no-op.
func (h *ModuleHost) Shutdown() {
	h.shutdownOnce.Do(h.shutdown)
}

func (h *ModuleHost) shutdown() {
	h.setState(Offline)

	step := func(name string, fn func()) {
		if err := exception.Recover(name, func() error { fn(); return nil }); err != nil {
			logx.Error("HOST", "Shutdown step failed:", err)
		}
	}

	step("stop online announcer", h.online.Stop)
	step("declare offline", h.declareOffline)
	step("clear ready", h.runtime.Ready().Clear)
	for _, ch := range h.handlers {
		step("shutdown handler", ch.Shutdown)
	}
	logx.Debug("HOST", "Connection handlers terminated")
	for _, p := range h.runtime.Pools() {
		step("shutdown pool "+p.Name(), p.Shutdown)
	}
	step("shutdown runtime", h.runtime.Shutdown)

	// Run may never have been called
	h.runOnce.Do(func() {
		h.runErr = ErrShutdown
		close(h.done)
	})
	<-h.done

	h.setState(Terminated)
	monitoring.SetServedBlocks(0)
	logx.Info("HOST", "Module host for blocks", h.opts.Range.String(), "shut down")
}
