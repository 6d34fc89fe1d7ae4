package cpu

import (
	"testing"

	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpatialMean(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{1, 2, 2, 2}, []float32{1, 2, 3, 4, 10, 10, 10, 30})

	out, err := backend.SpatialMean(x, true)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 1, 1}, out.Shape())
	assert.Equal(t, []float32{2.5, 15}, out.AsFloat32())

	out, err = backend.SpatialMean(x, false)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2}, out.Shape())
}

func TestResizeNearest(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{1, 1, 2, 2}, []float32{1, 2, 3, 4})

	out, err := backend.Resize(x, ResizeParams{
		Mode: ResizeNearest, CoordMode: CoordAsymmetric, NearestMode: NearestFloor,
		Scales: [2]float32{2, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, out.Shape())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, out.AsFloat32())
}

func TestResizeNearestFromOnePixel(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{1, 2, 1, 1}, []float32{7, 9})

	out, err := backend.Resize(x, ResizeParams{
		Mode: ResizeNearest, CoordMode: CoordAsymmetric, NearestMode: NearestFloor,
		Scales: [2]float32{3, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 3, 3}, out.Shape())
	for i, v := range out.AsFloat32() {
		if i < 9 {
			assert.Equal(t, float32(7), v)
		} else {
			assert.Equal(t, float32(9), v)
		}
	}
}

func TestResizeBilinearAlignCorners(t *testing.T) {
	backend := New()
	x := mustTensor(t, tensor.Shape{1, 1, 2, 2}, []float32{0, 3, 6, 9})

	out, err := backend.Resize(x, ResizeParams{
		Mode: ResizeLinear, CoordMode: CoordAlignCorners,
		Scales: [2]float32{2, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, out.Shape())
	want := []float32{
		0, 1, 2, 3,
		2, 3, 4, 5,
		4, 5, 6, 7,
		6, 7, 8, 9,
	}
	for i := range want {
		assert.InDelta(t, want[i], out.AsFloat32()[i], 1e-5)
	}
}

func TestResizeErrors(t *testing.T) {
	backend := New()
	x := tensor.MustNewRaw(tensor.Shape{1, 1, 2, 2}, tensor.Float32)

	_, err := backend.Resize(x, ResizeParams{Mode: "cubic", Scales: [2]float32{2, 2}})
	require.Error(t, err)
	_, err = backend.Resize(x, ResizeParams{Mode: ResizeNearest, Scales: [2]float32{0, 2}})
	require.Error(t, err)
	_, err = backend.Resize(x, ResizeParams{Mode: ResizeNearest, Scales: [2]float32{0.1, 0.1}})
	require.Error(t, err)
}

func TestResizeOutputSize(t *testing.T) {
	assert.Equal(t, 64, ResizeOutputSize(8, 8))
	assert.Equal(t, 4, ResizeOutputSize(2, 2))
	assert.Equal(t, 0, ResizeOutputSize(2, 0.25))
}
