package core

import (
	"fmt"
)

// Tensor is a dense row-major float container for latent states and rendered
// outputs. The training core moves tensors between the sampler, the policy
// and the scorer without interpreting their contents; only backends do math
// on them.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor allocates a zeroed tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
	}
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
	return out
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor) SameShape(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.Shape) != len(other.Shape) {
		return false
	}
	for i, d := range t.Shape {
		if other.Shape[i] != d {
			return false
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}
