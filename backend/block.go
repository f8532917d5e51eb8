package backend

import (
	"context"
	"fmt"
)

// Block is one loaded layer of the model.
type Block interface {
	Forward(ctx context.Context, hidden Tensor) (Tensor, error)
	DType() DType
	// CacheBytesPerToken is the attention cache one sequence position needs.
	CacheBytesPerToken() int64
}

// LoadOptions are passed to every Loader call. IgnoredKeys names weight
// entries the loader may skip fetching.
type LoadOptions struct {
	DType       DType
	Hidden      int
	IgnoredKeys []string
}

// Loader materialises the block at a given index.
type Loader interface {
	Load(ctx context.Context, index int, opts LoadOptions) (Block, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, index int, opts LoadOptions) (Block, error)

func (f LoaderFunc) Load(ctx context.Context, index int, opts LoadOptions) (Block, error) {
	return f(ctx, index, opts)
}

// AffineBlock computes y = scale*x + bias elementwise. It stands in for a
// real transformer layer where weights are not available.
type AffineBlock struct {
	Scale float32
	Bias  float32
	dtype DType
	// hidden features per position, used for the cache size hint
	hidden int
}

func (b *AffineBlock) Forward(ctx context.Context, hidden Tensor) (Tensor, error) {
	if err := ctx.Err(); err != nil {
		return Tensor{}, err
	}
	out := Tensor{Shape: append([]int(nil), hidden.Shape...), Data: make([]float32, len(hidden.Data))}
	for i, v := range hidden.Data {
		out.Data[i] = b.Scale*v + b.Bias
	}
	return out, nil
}

func (b *AffineBlock) DType() DType {
	return b.dtype
}

// CacheBytesPerToken follows a key and a value vector per position.
func (b *AffineBlock) CacheBytesPerToken() int64 {
	return 2 * int64(b.hidden) * b.dtype.BytesPerElement()
}

// AffineLoader deterministically derives an AffineBlock from its index so
// that every server hosting index i computes the same function.
type AffineLoader struct {
	NumBlocks int
}

func (l AffineLoader) Load(ctx context.Context, index int, opts LoadOptions) (Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || (l.NumBlocks > 0 && index >= l.NumBlocks) {
		return nil, fmt.Errorf("block index %d out of range", index)
	}
	if opts.Hidden <= 0 {
		return nil, fmt.Errorf("hidden size must be positive, got %d", opts.Hidden)
	}
	dtype := opts.DType
	if dtype == "" {
		dtype = Float32
	}
	return &AffineBlock{
		Scale:  1,
		Bias:   float32(index + 1),
		dtype:  dtype,
		hidden: opts.Hidden,
	}, nil
}
