package runtime

import (
	"context"
	"testing"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateGraph computes sigmoid(mean(x)) * relu(conv1x1(x)) + x.
func gateGraph(t *testing.T, dtype tensor.DataType) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder("gate")
	x := b.Input("input", dtype, graph.Symbolic("batch_size"), graph.Fixed(2), graph.Fixed(2), graph.Fixed(2))
	w, err := tensor.FromFloat32(tensor.Shape{2, 2, 1, 1}, []float32{1, 0, 0, 1})
	require.NoError(t, err)
	b.Initializer("conv.weight", w)

	y := b.Node("conv", graph.OpConv, []string{x, "conv.weight"},
		graph.Ints("kernel_shape", 1, 1), graph.Ints("pads", 0, 0, 0, 0), graph.Ints("strides", 1, 1))
	y = b.Node("conv", graph.OpRelu, []string{y})
	m := b.Node("gate", graph.OpReduceMean, []string{x}, graph.Ints("axes", 2, 3), graph.Int("keepdims", 1))
	m = b.Node("gate", graph.OpSigmoid, []string{m})
	y = b.Node("gate", graph.OpMul, []string{y, m})
	b.NamedNode("", graph.OpAdd, "output", []string{y, x})
	b.Output("output", dtype, graph.Symbolic("batch_size"), graph.Fixed(2), graph.Fixed(2), graph.Fixed(2))
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestSessionRun(t *testing.T) {
	sess, err := NewSession(gateGraph(t, tensor.Float32))
	require.NoError(t, err)
	assert.False(t, sess.Half())

	x, err := tensor.FromFloat32(tensor.Shape{1, 2, 2, 2}, []float32{0, 0, 0, 0, -1, -1, -1, -1})
	require.NoError(t, err)
	out, err := sess.Run(context.Background(), map[string]*tensor.RawTensor{"input": x})
	require.NoError(t, err)

	y := out["output"]
	require.NotNil(t, y)
	assert.Equal(t, tensor.Shape{1, 2, 2, 2}, y.Shape())
	assert.Equal(t, tensor.Float32, y.DType())
	// Channel 0 is all zeros; channel 1 is negative so relu zeroes the gated branch.
	assert.Equal(t, []float32{0, 0, 0, 0, -1, -1, -1, -1}, y.AsFloat32())
}

func TestSessionDynamicBatch(t *testing.T) {
	sess, err := NewSession(gateGraph(t, tensor.Float32))
	require.NoError(t, err)

	x := tensor.MustNewRaw(tensor.Shape{3, 2, 2, 2}, tensor.Float32)
	for i := range x.AsFloat32() {
		x.AsFloat32()[i] = 1
	}
	out, err := sess.Run(context.Background(), map[string]*tensor.RawTensor{"input": x})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 2, 2, 2}, out["output"].Shape())
	// relu(1) * sigmoid(1) + 1
	assert.InDelta(t, 1.7310586, out["output"].AsFloat32()[0], 1e-6)
}

func TestSessionHalfPrecision(t *testing.T) {
	g32 := gateGraph(t, tensor.Float32)
	g16, err := g32.WithPrecision(tensor.Float16)
	require.NoError(t, err)

	sess, err := NewSession(g16)
	require.NoError(t, err)
	assert.True(t, sess.Half())

	x32, err := tensor.FromFloat32(tensor.Shape{1, 2, 2, 2}, []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8})
	require.NoError(t, err)
	x16, err := tensor.ToFloat16(x32)
	require.NoError(t, err)

	out16, err := sess.Run(context.Background(), map[string]*tensor.RawTensor{"input": x16})
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, out16["output"].DType())

	ref, err := NewSession(g32)
	require.NoError(t, err)
	out32, err := ref.Run(context.Background(), map[string]*tensor.RawTensor{"input": x32})
	require.NoError(t, err)

	diff, err := tensor.MaxAbsDiff(out16["output"], out32["output"])
	require.NoError(t, err)
	assert.Less(t, diff, 1e-2)
}

func TestSessionInputErrors(t *testing.T) {
	sess, err := NewSession(gateGraph(t, tensor.Float32))
	require.NoError(t, err)

	_, err = sess.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInputMismatch)

	bad := tensor.MustNewRaw(tensor.Shape{1, 3, 2, 2}, tensor.Float32)
	_, err = sess.Run(context.Background(), map[string]*tensor.RawTensor{"input": bad})
	assert.ErrorIs(t, err, ErrInputMismatch)
}

func TestSessionCanceled(t *testing.T) {
	sess, err := NewSession(gateGraph(t, tensor.Float32))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x := tensor.MustNewRaw(tensor.Shape{1, 2, 2, 2}, tensor.Float32)
	_, err = sess.Run(ctx, map[string]*tensor.RawTensor{"input": x})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSessionUnsupportedOperator(t *testing.T) {
	g := gateGraph(t, tensor.Float32)
	g.Nodes[1].Op = "Softmax"

	_, err := NewSession(g)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, op := range graph.KnownOps() {
		_, ok := r.Get(op)
		assert.True(t, ok, "operator %s should be registered", op)
	}
	assert.Equal(t, graph.KnownOps(), r.SupportedOps())

	_, err := r.Execute(&Context{}, &graph.Node{Op: "Unknown"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestAttributeDecoding(t *testing.T) {
	p, err := ConvParams(graph.Attrs{graph.Ints("strides", 2, 2), graph.Ints("pads", 3, 3, 3, 3)})
	require.NoError(t, err)
	assert.Equal(t, [2]int{2, 2}, p.Strides)
	assert.Equal(t, [4]int{3, 3, 3, 3}, p.Pads)
	assert.Equal(t, [2]int{1, 1}, p.Dilations)
	assert.Equal(t, 1, p.Group)

	_, err = PoolParams(graph.Attrs{graph.Ints("strides", 2, 2)})
	assert.Error(t, err)

	_, err = ResizeParams(graph.Attrs{graph.Floats("scales", 1, 2, 2, 2)})
	assert.Error(t, err)
	rp, err := ResizeParams(graph.Attrs{graph.String("mode", "linear"), graph.Floats("scales", 1, 1, 8, 8)})
	require.NoError(t, err)
	assert.Equal(t, [2]float32{8, 8}, rp.Scales)
	assert.Equal(t, "linear", rp.Mode)
}
