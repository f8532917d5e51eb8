// Package runtime runs the compute side of a module host: one batching pool
// per backend and a ready signal raised after warm-up.
package runtime

import (
	"context"
	"sync"

	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/logx"
	"github.com/pkg/errors"
)

type Runtime struct {
	pools []*Pool
	ready *ReadyEvent

	stop     chan struct{}
	stopOnce sync.Once
}

func New(backends []*backend.Backend) *Runtime {
	pools := make([]*Pool, 0, len(backends))
	for _, b := range backends {
		pools = append(pools, NewPool(b))
	}
	return &Runtime{
		pools: pools,
		ready: NewReadyEvent(),
		stop:  make(chan struct{}),
	}
}

func (r *Runtime) Pools() []*Pool {
	return r.pools
}

func (r *Runtime) Ready() *ReadyEvent {
	return r.ready
}

// Pool returns the pool serving uid.
func (r *Runtime) Pool(uid string) (*Pool, bool) {
	for _, p := range r.pools {
		if p.Name() == uid {
			return p, true
		}
	}
	return nil, false
}

// Run starts every pool, warms each backend with a one-token forward, sets
// ready and blocks until Shutdown.
func (r *Runtime) Run() error {
	select {
	case <-r.stop:
		return nil
	default:
	}
	for _, p := range r.pools {
		p.Start()
	}
	if err := r.warmup(); err != nil {
		return err
	}
	r.ready.Set()
	logx.Info("RUNTIME", "Runtime ready with", len(r.pools), "pools")
	<-r.stop
	return nil
}

func (r *Runtime) warmup() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for _, p := range r.pools {
		input := backend.NewTensor(1, 1, p.Backend.ArgsSchema.Hidden)
		if _, err := p.Submit(ctx, input); err != nil {
			return errors.Wrapf(err, "warm-up of %s", p.Name())
		}
	}
	return nil
}

// Shutdown unblocks Run and stops all pools. It is idempotent.
func (r *Runtime) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.ready.Clear()
	for _, p := range r.pools {
		p.Shutdown()
	}
}
