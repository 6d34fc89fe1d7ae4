package cpu

import (
	"testing"

	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxPool2DSimple(t *testing.T) {
	backend := New()
	input := mustTensor(t, tensor.Shape{1, 1, 4, 4}, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	})

	out, err := backend.MaxPool2D(input, Pool2DParams{Kernel: [2]int{2, 2}, Strides: [2]int{2, 2}})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{6, 8, 14, 16}, out.AsFloat32())
}

func TestMaxPool2DPaddingIgnoresPad(t *testing.T) {
	backend := New()
	// All negative: a zero pad would win if padded taps were counted.
	input := mustTensor(t, tensor.Shape{1, 1, 4, 4}, []float32{
		-1, -2, -3, -4,
		-5, -6, -7, -8,
		-9, -10, -11, -12,
		-13, -14, -15, -16,
	})

	out, err := backend.MaxPool2D(input, Pool2DParams{Kernel: [2]int{3, 3}, Strides: [2]int{2, 2}, Pads: [4]int{1, 1, 1, 1}})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{-1, -2, -5, -6}, out.AsFloat32())
}

func TestMaxPool2DStemGeometry(t *testing.T) {
	backend := New()
	input := tensor.MustNewRaw(tensor.Shape{2, 3, 32, 32}, tensor.Float32)

	out, err := backend.MaxPool2D(input, Pool2DParams{Kernel: [2]int{3, 3}, Strides: [2]int{2, 2}, Pads: [4]int{1, 1, 1, 1}})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 16, 16}, out.Shape())
}

func TestMaxPool2DErrors(t *testing.T) {
	backend := New()
	input := tensor.MustNewRaw(tensor.Shape{1, 1, 2, 2}, tensor.Float32)

	_, err := backend.MaxPool2D(input, Pool2DParams{Kernel: [2]int{0, 2}, Strides: [2]int{1, 1}})
	require.Error(t, err)
	_, err = backend.MaxPool2D(input, Pool2DParams{Kernel: [2]int{3, 3}, Strides: [2]int{1, 1}})
	require.Error(t, err)
	_, err = backend.MaxPool2D(tensor.MustNewRaw(tensor.Shape{2, 2}, tensor.Float32), Pool2DParams{Kernel: [2]int{1, 1}, Strides: [2]int{1, 1}})
	require.Error(t, err)
}
