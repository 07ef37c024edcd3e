package utils

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// RefPointer returns a pointer to the given value.
func RefPointer[T any](v T) *T {
	return &v
}

// DerefPointer returns the value p points to, or the zero value when p is nil.
func DerefPointer[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// BytesToT32 reinterprets a little-endian byte stream as 32-bit values.
func BytesToT32[T float32 | int32 | uint32](raw []byte) []T {
	out := make([]T, 0, len(raw)/4)
	for i := 0; i+4 <= len(raw); i += 4 {
		bits := binary.LittleEndian.Uint32(raw[i : i+4])
		var v T
		switch p := any(&v).(type) {
		case *float32:
			*p = math.Float32frombits(bits)
		case *int32:
			*p = int32(bits)
		case *uint32:
			*p = bits
		}
		out = append(out, v)
	}
	return out
}

func VStack(tensors []*tensor.Dense) (*tensor.Dense, error) {
	var nonEmptyTensors []*tensor.Dense
	for _, t := range tensors {
		shape := t.Shape()
		if shape[0] > 0 {
			nonEmptyTensors = append(nonEmptyTensors, t)
		}
	}

	if len(nonEmptyTensors) == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, 1)), nil
	}

	if len(nonEmptyTensors) == 1 {
		return nonEmptyTensors[0], nil
	}

	result, err := nonEmptyTensors[0].Concat(0, nonEmptyTensors[1:]...)
	if err != nil {
		return nil, fmt.Errorf("error concatenating tensors: %v", err)
	}

	return result, nil
}

// Reshape2D returns a copy of t reshaped to [-1, cols].
func Reshape2D(t *tensor.Dense, cols int) (*tensor.Dense, error) {
	if cols <= 0 {
		return nil, fmt.Errorf("invalid number of columns: %d", cols)
	}
	size := t.DataSize()
	if size%cols != 0 {
		return nil, fmt.Errorf("cannot reshape %d elements into rows of %d", size, cols)
	}

	out := t.Clone().(*tensor.Dense)
	err := out.Reshape(size/cols, cols)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Flatten1D returns a copy of t reshaped to a single dimension.
func Flatten1D(t *tensor.Dense) (*tensor.Dense, error) {
	out := t.Clone().(*tensor.Dense)
	err := out.Reshape(t.DataSize())
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftmaxLastDim computes a numerically stable softmax over the trailing
// dimension of t and returns the probabilities as a new tensor.
func SoftmaxLastDim(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("expected at least a 1D tensor, got shape %v", shape)
	}
	classes := shape[len(shape)-1]
	if classes <= 0 {
		return nil, fmt.Errorf("trailing dimension must be positive, got shape %v", shape)
	}

	in := t.Float32s()
	out := make([]float32, len(in))
	for row := 0; row+classes <= len(in); row += classes {
		maxVal := in[row]
		for c := 1; c < classes; c++ {
			if in[row+c] > maxVal {
				maxVal = in[row+c]
			}
		}
		var sum float32
		for c := 0; c < classes; c++ {
			e := math32.Exp(in[row+c] - maxVal)
			out[row+c] = e
			sum += e
		}
		for c := 0; c < classes; c++ {
			out[row+c] /= sum
		}
	}

	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(shape.Clone()...),
		tensor.WithBacking(out),
	), nil
}

func ArgSortDescending(t *tensor.Dense) ([]int, error) {
	shape := t.Shape()
	if len(shape) != 1 {
		return nil, fmt.Errorf("expected a 1D tensor, got shape %v", shape)
	}

	data := t.Data().([]float32)

	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}

	sort.Slice(indices, func(i, j int) bool {
		return data[indices[i]] > data[indices[j]]
	})

	return indices, nil
}

func SelectRows2D(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a 2D tensor, got shape %v", shape)
	}
	numRows, numCols := shape[0], shape[1]

	data := t.Float32s()
	selectedData := make([]float32, 0, len(indices)*numCols)
	for _, idx := range indices {
		if idx < 0 || idx >= numRows {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		selectedData = append(selectedData, data[idx*numCols:(idx+1)*numCols]...)
	}

	selectedTensor := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(indices), numCols),
		tensor.WithBacking(selectedData),
	)

	return selectedTensor, nil
}

func TensorByIndices(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()

	if len(shape) != 1 {
		return nil, fmt.Errorf("input tensor should be 1D, got shape %v", shape)
	}

	data := t.Float32s()
	resultData := make([]float32, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(data) {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		resultData[i] = data[idx]
	}
	result := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(len(indices)), tensor.WithBacking(resultData))

	return result, nil
}
