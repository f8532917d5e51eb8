package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mezonai/blockswarm/backend"
	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/logx"
)

var ErrPoolClosed = errors.New("task pool is shut down")

// DefaultBatchWait is how long a pool holds a batch below its minimum size
// waiting for more tasks.
const DefaultBatchWait = 5 * time.Millisecond

type taskResult struct {
	out backend.Tensor
	err error
}

type task struct {
	ctx    context.Context
	input  backend.Tensor
	result chan taskResult
}

// Pool batches forward tasks for one backend and runs them on a single
// goroutine.
type Pool struct {
	Backend   *backend.Backend
	batchWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan *task
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPool(b *backend.Backend) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		Backend:   b,
		batchWait: DefaultBatchWait,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(chan *task, 4*b.MaxBatchSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (p *Pool) Name() string {
	return p.Backend.UID
}

// Start launches the processing goroutine. Calling it again is a no-op.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		exception.SafeGo("Pool:"+p.Name(), p.loop)
	})
}

// Submit enqueues input and waits for its output.
func (p *Pool) Submit(ctx context.Context, input backend.Tensor) (backend.Tensor, error) {
	if err := p.Backend.ArgsSchema.Check(input); err != nil {
		return backend.Tensor{}, err
	}
	t := &task{ctx: ctx, input: input, result: make(chan taskResult, 1)}
	select {
	case p.tasks <- t:
	case <-p.stop:
		return backend.Tensor{}, ErrPoolClosed
	case <-ctx.Done():
		return backend.Tensor{}, ctx.Err()
	}
	select {
	case res := <-t.result:
		return res.out, res.err
	case <-p.done:
		// the loop may have answered right before exiting
		select {
		case res := <-t.result:
			return res.out, res.err
		default:
			return backend.Tensor{}, ErrPoolClosed
		}
	case <-ctx.Done():
		return backend.Tensor{}, ctx.Err()
	}
}

// Shutdown stops the pool and fails queued tasks. It is idempotent and
// returns once the processing goroutine has exited.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.cancel()
	})
	p.startOnce.Do(func() {
		p.drain()
		close(p.done)
	})
	<-p.done
}

func (p *Pool) loop() {
	defer close(p.done)
	defer p.drain()
	for {
		select {
		case <-p.stop:
			return
		case first := <-p.tasks:
			batch := p.collect(first)
			p.process(batch)
		}
	}
}

// collect gathers tasks until the combined batch reaches MaxBatchSize, or
// the queue is empty and either MinBatchSize rows are present or the batch
// wait has passed.
func (p *Pool) collect(first *task) []*task {
	batch := []*task{first}
	rows := first.input.Shape[0]
	add := func(t *task) {
		if rows+t.input.Shape[0] > p.Backend.MaxBatchSize {
			p.process(batch)
			batch, rows = nil, 0
		}
		batch = append(batch, t)
		rows += t.input.Shape[0]
	}

	deadline := time.NewTimer(p.batchWait)
	defer deadline.Stop()
	for rows < p.Backend.MaxBatchSize {
		select {
		case t := <-p.tasks:
			add(t)
			continue
		default:
		}
		if rows >= p.Backend.MinBatchSize {
			return batch
		}
		select {
		case t := <-p.tasks:
			add(t)
		case <-deadline.C:
			return batch
		case <-p.stop:
			return batch
		}
	}
	return batch
}

func (p *Pool) process(batch []*task) {
	live := batch[:0:0]
	for _, t := range batch {
		if err := t.ctx.Err(); err != nil {
			t.result <- taskResult{err: err}
			continue
		}
		live = append(live, t)
	}
	// tasks of different lengths cannot share one tensor
	groups := make(map[int][]*task)
	var order []int
	for _, t := range live {
		length := t.input.Shape[1]
		if _, ok := groups[length]; !ok {
			order = append(order, length)
		}
		groups[length] = append(groups[length], t)
	}
	for _, length := range order {
		p.forward(groups[length])
	}
}

func (p *Pool) forward(group []*task) {
	inputs := make([]backend.Tensor, len(group))
	for i, t := range group {
		inputs[i] = t.input
	}
	joined, sizes, err := backend.ConcatBatch(inputs)
	if err != nil {
		p.fail(group, err)
		return
	}
	out, err := p.Backend.Forward(p.ctx, joined)
	if err != nil {
		logx.Warn("RUNTIME", "Forward failed on", p.Name(), ":", err)
		p.fail(group, err)
		return
	}
	parts, err := backend.SplitBatch(out, sizes)
	if err != nil {
		p.fail(group, err)
		return
	}
	for i, t := range group {
		t.result <- taskResult{out: parts[i]}
	}
}

func (p *Pool) fail(group []*task, err error) {
	for _, t := range group {
		t.result <- taskResult{err: err}
	}
}

func (p *Pool) drain() {
	for {
		select {
		case t := <-p.tasks:
			t.result <- taskResult{err: ErrPoolClosed}
		default:
			return
		}
	}
}
