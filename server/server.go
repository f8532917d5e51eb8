// Package server runs the outer loop of a swarm server: choose blocks, host
// them, and move elsewhere when the swarm becomes imbalanced.
package server

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mezonai/blockswarm/events"
	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/host"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
	"github.com/mezonai/blockswarm/placement"
	"github.com/mezonai/blockswarm/registry"
)

// DefaultRetryDelay keeps a pinned server whose blocks fail to load from
// retrying in a tight loop.
const DefaultRetryDelay = time.Second

type Config struct {
	Prefix         string
	TotalBlocks    int
	Request        placement.Request
	BalanceQuality float64

	MeanBalanceCheckPeriod  time.Duration
	MeanBlockSelectionDelay time.Duration
	// ReadyTimeout bounds how long a new host may take to warm up; zero
	// waits forever.
	ReadyTimeout time.Duration
	// RetryDelay is the mean wait after a failed iteration. It defaults to
	// the larger of MeanBlockSelectionDelay and DefaultRetryDelay.
	RetryDelay time.Duration
	Seed       int64

	// Host is the template for every module host; Range is filled in per
	// iteration.
	Host host.Options
}

type exitReason int

const (
	exitStop exitReason = iota
	exitRehost
	exitCrashed
)

// Server is the supervisor. At most one module host is active at a time.
type Server struct {
	cfg    Config
	reg    registry.Registry
	engine *placement.Engine
	uids   []string

	mu     sync.Mutex
	active *host.ModuleHost

	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	runOnce   sync.Once
	closeOnce sync.Once
}

func New(reg registry.Registry, cfg Config) (*Server, error) {
	if err := registry.ValidatePrefix(cfg.Prefix); err != nil {
		return nil, err
	}
	engine, err := placement.NewEngine(cfg.TotalBlocks, cfg.Request, cfg.BalanceQuality, cfg.Seed)
	if err != nil {
		return nil, err
	}
	cfg.Host.Registry = reg
	cfg.Host.Prefix = cfg.Prefix
	if cfg.Host.Clock == nil {
		cfg.Host.Clock = time.Now
	}
	return &Server{
		cfg:    cfg,
		reg:    reg,
		engine: engine,
		uids:   registry.ModuleUIDs(cfg.Prefix, 0, cfg.TotalBlocks),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// ActiveHost returns the host currently serving, or nil between hosts.
func (s *Server) ActiveHost() *host.ModuleHost {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Ready reports whether the active host can take requests.
func (s *Server) Ready() bool {
	h := s.ActiveHost()
	return h != nil && h.State() == host.Serving && h.Ready().IsSet()
}

func (s *Server) setActive(h *host.ModuleHost) {
	s.mu.Lock()
	s.active = h
	s.mu.Unlock()
}

// Run loops until Shutdown or ctx is done. It returns an error only for
// configuration problems that retrying cannot fix.
func (s *Server) Run(ctx context.Context) error {
	var err error
	ran := false
	s.runOnce.Do(func() {
		ran = true
		defer close(s.done)
		err = s.run(ctx)
	})
	if !ran {
		return errors.New("server already ran")
	}
	return err
}

func (s *Server) run(ctx context.Context) error {
	// block loads and warm-up run on ctx, so Shutdown must cancel it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	exception.SafeGo("Server.stopWatch", func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	})

	peerID := s.reg.PeerID()
	for {
		if s.stopped(ctx) {
			return nil
		}

		blocks, err := s.chooseBlocks(ctx)
		if err != nil {
			if s.stopped(ctx) {
				return nil
			}
			if errors.Is(err, placement.ErrInvalidRange) {
				return err
			}
			logx.Warn("SERVER", "Failed to choose blocks:", err)
			s.sleep(ctx, s.retryDelay())
			continue
		}
		logx.Info("SERVER", "Chose blocks", blocks.String())

		opts := s.cfg.Host
		opts.Range = blocks
		h, err := host.Create(ctx, opts)
		if err != nil {
			if s.stopped(ctx) {
				return nil
			}
			monitoring.IncreaseHostCreateFailures()
			s.cfg.Host.Events.Publish(events.NewHostCreateFailed(peerID, err))
			logx.Error("SERVER", "Failed to create module host for", blocks.String(), ":", err)
			s.sleep(ctx, s.retryDelay())
			continue
		}

		s.setActive(h)
		reason := exitCrashed
		if err := h.RunInBackground(ctx, true, s.cfg.ReadyTimeout); err != nil {
			if s.stopped(ctx) {
				reason = exitStop
			} else {
				logx.Error("SERVER", "Module host for", blocks.String(), "failed to start:", err)
			}
		} else {
			reason = s.serve(ctx, h)
		}
		h.Shutdown()
		s.setActive(nil)
		s.cleanup()

		switch reason {
		case exitStop:
			return nil
		case exitRehost:
			monitoring.IncreaseRehostCount()
			s.cfg.Host.Events.Publish(events.NewRehost(peerID, blocks.String()))
		case exitCrashed:
			s.sleep(ctx, s.retryDelay())
		}
	}
}

// chooseBlocks waits a random delay first so that servers started together
// do not all read the same snapshot and pick the same blocks.
func (s *Server) chooseBlocks(ctx context.Context) (placement.BlockRange, error) {
	if s.cfg.Request.IsPinned() {
		return s.engine.ChooseBlocks(nil)
	}
	if !s.sleep(ctx, s.engine.Jitter(s.cfg.MeanBlockSelectionDelay)) {
		return placement.BlockRange{}, context.Canceled
	}
	infos, err := s.snapshot(ctx)
	if err != nil {
		return placement.BlockRange{}, err
	}
	return s.engine.ChooseBlocks(infos)
}

func (s *Server) serve(ctx context.Context, h *host.ModuleHost) exitReason {
	for {
		timer := time.NewTimer(s.engine.Jitter(s.cfg.MeanBalanceCheckPeriod))
		select {
		case <-s.stop:
			timer.Stop()
			return exitStop
		case <-ctx.Done():
			timer.Stop()
			return exitStop
		case <-h.Done():
			timer.Stop()
			logx.Error("SERVER", "Module host for", h.Range().String(), "stopped unexpectedly:", h.Err())
			return exitCrashed
		case <-timer.C:
		}

		if s.shouldRehost(ctx) {
			logx.Info("SERVER", "Swarm is imbalanced, server will load other blocks than", h.Range().String())
			return exitRehost
		}
	}
}

func (s *Server) shouldRehost(ctx context.Context) bool {
	if s.cfg.Request.IsPinned() {
		return false
	}
	infos, err := s.snapshot(ctx)
	if err != nil {
		logx.Warn("SERVER", "Skipping balance check:", err)
		return false
	}
	return s.engine.ShouldRehost(infos, s.reg.PeerID())
}

func (s *Server) snapshot(ctx context.Context) ([]*registry.ModuleInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s.snapshotTimeout())
	defer cancel()
	return s.reg.Get(ctx, s.uids, s.cfg.Host.Clock())
}

func (s *Server) snapshotTimeout() time.Duration {
	if t := s.cfg.Host.UpdatePeriod; t > 0 {
		return t
	}
	return 30 * time.Second
}

func (s *Server) retryDelay() time.Duration {
	mean := s.cfg.RetryDelay
	if mean <= 0 {
		mean = s.cfg.MeanBlockSelectionDelay
		if mean < DefaultRetryDelay {
			mean = DefaultRetryDelay
		}
	}
	return s.engine.Jitter(mean)
}

// cleanup runs after a host is released; hosts hold many connections and
// buffers that are only returned on collection.
func (s *Server) cleanup() {
	runtime.GC()
	fds, err := openFDs()
	if err != nil {
		logx.Debug("SERVER", "Cleanup complete, could not count file descriptors:", err)
		return
	}
	logx.Info("SERVER", "Cleanup complete,", fds, "open file descriptors left")
}

func openFDs() (int32, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	total, err := proc.NumFDs()
	if err != nil {
		return 0, err
	}
	children, _ := proc.Children()
	for _, child := range children {
		if n, err := child.NumFDs(); err == nil {
			total += n
		}
	}
	return total, nil
}

func (s *Server) stopped(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sleep waits d and reports false if the server was stopped meanwhile.
func (s *Server) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// Shutdown stops the loop, waits for the active host to terminate and
// closes the registry connection.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.runOnce.Do(func() {
		close(s.done)
	})
	<-s.done
	s.closeOnce.Do(func() {
		if err := s.reg.Close(); err != nil {
			logx.Warn("SERVER", "Failed to close registry:", err)
		}
	})
}
