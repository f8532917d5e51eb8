package backend

import (
	"fmt"
)

type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// BytesPerElement reports the storage width of one element of d.
func (d DType) BytesPerElement() int64 {
	switch d {
	case Float16, BFloat16:
		return 2
	default:
		return 4
	}
}

// Tensor is a dense row-major tensor. Hidden states are shaped
// [batch, length, hidden].
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

func (t Tensor) NumElements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) Validate() error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("non-positive dimension in shape %v", t.Shape)
		}
	}
	if n := t.NumElements(); n != len(t.Data) {
		return fmt.Errorf("shape %v needs %d elements, got %d", t.Shape, n, len(t.Data))
	}
	return nil
}

// TensorDescriptor describes the hidden-state tensors a backend accepts and
// returns: any batch up to Batch, any length up to Length, exactly Hidden
// features.
type TensorDescriptor struct {
	Batch  int   `json:"batch"`
	Length int   `json:"length"`
	Hidden int   `json:"hidden"`
	DType  DType `json:"dtype"`
}

func (d TensorDescriptor) Check(t Tensor) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if len(t.Shape) != 3 {
		return fmt.Errorf("expected [batch, length, hidden], got shape %v", t.Shape)
	}
	if d.Batch > 0 && t.Shape[0] > d.Batch {
		return fmt.Errorf("batch %d exceeds %d", t.Shape[0], d.Batch)
	}
	if d.Length > 0 && t.Shape[1] > d.Length {
		return fmt.Errorf("length %d exceeds %d", t.Shape[1], d.Length)
	}
	if t.Shape[2] != d.Hidden {
		return fmt.Errorf("hidden size %d, expected %d", t.Shape[2], d.Hidden)
	}
	return nil
}

// ConcatBatch stacks hidden states of equal [length, hidden] along the batch
// axis and returns the batch size contributed by each input.
func ConcatBatch(tensors []Tensor) (Tensor, []int, error) {
	if len(tensors) == 0 {
		return Tensor{}, nil, fmt.Errorf("nothing to concatenate")
	}
	first := tensors[0].Shape
	sizes := make([]int, len(tensors))
	total, elements := 0, 0
	for i, t := range tensors {
		if len(t.Shape) != 3 || t.Shape[1] != first[1] || t.Shape[2] != first[2] {
			return Tensor{}, nil, fmt.Errorf("cannot batch shape %v with %v", t.Shape, first)
		}
		sizes[i] = t.Shape[0]
		total += t.Shape[0]
		elements += len(t.Data)
	}
	out := Tensor{Shape: []int{total, first[1], first[2]}, Data: make([]float32, 0, elements)}
	for _, t := range tensors {
		out.Data = append(out.Data, t.Data...)
	}
	return out, sizes, nil
}

// SplitBatch reverses ConcatBatch.
func SplitBatch(t Tensor, sizes []int) ([]Tensor, error) {
	if len(t.Shape) != 3 {
		return nil, fmt.Errorf("expected [batch, length, hidden], got shape %v", t.Shape)
	}
	row := t.Shape[1] * t.Shape[2]
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total != t.Shape[0] || len(t.Data) != total*row {
		return nil, fmt.Errorf("cannot split shape %v into %v", t.Shape, sizes)
	}
	out := make([]Tensor, len(sizes))
	offset := 0
	for i, s := range sizes {
		out[i] = Tensor{
			Shape: []int{s, t.Shape[1], t.Shape[2]},
			Data:  append([]float32(nil), t.Data[offset:offset+s*row]...),
		}
		offset += s * row
	}
	return out, nil
}
