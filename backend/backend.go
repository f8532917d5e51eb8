// Package backend wraps loaded blocks with the tensor schemas and batch
// limits the request path enforces.
package backend

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Backend serves one block uid.
type Backend struct {
	UID           string
	Index         int
	Block         Block
	ArgsSchema    TensorDescriptor
	OutputsSchema TensorDescriptor
	MinBatchSize  int
	MaxBatchSize  int
}

type Options struct {
	Hidden       int
	MaxLength    int
	MinBatchSize int
	MaxBatchSize int
}

func NewBackend(uid string, index int, block Block, opts Options) (*Backend, error) {
	if opts.MinBatchSize <= 0 {
		opts.MinBatchSize = 1
	}
	if opts.MaxBatchSize < opts.MinBatchSize {
		return nil, fmt.Errorf("max batch size %d below min batch size %d", opts.MaxBatchSize, opts.MinBatchSize)
	}
	desc := TensorDescriptor{
		Batch:  opts.MaxBatchSize,
		Length: opts.MaxLength,
		Hidden: opts.Hidden,
		DType:  block.DType(),
	}
	return &Backend{
		UID:           uid,
		Index:         index,
		Block:         block,
		ArgsSchema:    desc,
		OutputsSchema: desc,
		MinBatchSize:  opts.MinBatchSize,
		MaxBatchSize:  opts.MaxBatchSize,
	}, nil
}

func (b *Backend) Forward(ctx context.Context, hidden Tensor) (Tensor, error) {
	if err := b.ArgsSchema.Check(hidden); err != nil {
		return Tensor{}, errors.Wrapf(err, "invalid input for %s", b.UID)
	}
	out, err := b.Block.Forward(ctx, hidden)
	if err != nil {
		return Tensor{}, errors.Wrapf(err, "forward %s", b.UID)
	}
	if err := b.OutputsSchema.Check(out); err != nil {
		return Tensor{}, errors.Wrapf(err, "invalid output from %s", b.UID)
	}
	return out, nil
}

// CacheBytes is the cache a session of batch sequences up to maxLength
// positions needs on this block.
func (b *Backend) CacheBytes(batch, maxLength int) int64 {
	return int64(batch) * int64(maxLength) * b.Block.CacheBytesPerToken()
}
