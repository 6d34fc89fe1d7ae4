package bisenet

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{NumClasses: 19, InputSize: 64, Pooling: PoolingMean}
}

func maxAbs(t *tensor.RawTensor) float64 {
	f, _ := tensor.ToFloat32(t)
	var m float64
	for _, v := range f.AsFloat32() {
		m = math.Max(m, math.Abs(float64(v)))
	}
	return m
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	for _, cfg := range []Config{
		{NumClasses: 0, InputSize: 512, Pooling: PoolingMean},
		{NumClasses: 19, InputSize: 500, Pooling: PoolingMean},
		{NumClasses: 19, InputSize: 0, Pooling: PoolingMean},
		{NumClasses: 19, InputSize: 512, Pooling: "max"},
	} {
		_, err := New(cfg, 0)
		assert.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}
}

func TestParameterNamesAndShapes(t *testing.T) {
	m, err := New(DefaultConfig(), 1)
	require.NoError(t, err)

	want := map[string]tensor.Shape{
		"cp.resnet.conv1.weight":                 {64, 3, 7, 7},
		"cp.resnet.bn1.running_mean":             {64},
		"cp.resnet.layer1.0.conv1.weight":        {64, 64, 3, 3},
		"cp.resnet.layer2.0.downsample.0.weight": {128, 64, 1, 1},
		"cp.resnet.layer4.1.bn2.running_var":     {512},
		"cp.arm16.conv.conv.weight":              {128, 256, 3, 3},
		"cp.arm32.conv_atten.weight":             {128, 128, 1, 1},
		"cp.arm32.bn_atten.bias":                 {128},
		"cp.conv_head32.conv.weight":             {128, 128, 3, 3},
		"cp.conv_avg.conv.weight":                {128, 512, 1, 1},
		"ffm.convblk.conv.weight":                {256, 256, 1, 1},
		"ffm.convblk.bn.running_var":             {256},
		"ffm.conv1.weight":                       {64, 256, 1, 1},
		"ffm.conv2.weight":                       {256, 64, 1, 1},
		"conv_out.conv.conv.weight":              {256, 256, 3, 3},
		"conv_out.conv_out.weight":               {19, 256, 1, 1},
		"conv_out16.conv.conv.weight":            {64, 128, 3, 3},
		"conv_out32.conv_out.weight":             {19, 64, 1, 1},
	}
	for name, shape := range want {
		p, ok := m.Parameter(name)
		if assert.True(t, ok, name) {
			assert.Equal(t, shape, p.Shape(), name)
		}
	}

	_, ok := m.Parameter("cp.resnet.layer1.0.downsample.0.weight")
	assert.False(t, ok, "first stage keeps channels and stride")
	_, ok = m.Parameter("cp.resnet.fc.weight")
	assert.False(t, ok)

	var backbone int
	for _, p := range m.Parameters() {
		if strings.HasPrefix(p.Name(), "cp.resnet.") && !p.IsBuffer() {
			backbone += p.Shape().NumElements()
		}
	}
	// torchvision resnet18 without the classifier.
	assert.Equal(t, 11_176_512, backbone)
	assert.Len(t, m.StateDict(), len(m.Parameters()))
}

func TestInitIsDeterministic(t *testing.T) {
	a, err := New(smallConfig(), 7)
	require.NoError(t, err)
	b, err := New(smallConfig(), 7)
	require.NoError(t, err)
	c, err := New(smallConfig(), 8)
	require.NoError(t, err)

	name := "cp.resnet.conv1.weight"
	pa, _ := a.Parameter(name)
	pb, _ := b.Parameter(name)
	pc, _ := c.Parameter(name)
	assert.Equal(t, pa.Tensor().Data(), pb.Tensor().Data())
	assert.NotEqual(t, pa.Tensor().Data(), pc.Tensor().Data())

	bound := float32(math.Sqrt(3.0 / (3 * 7 * 7)))
	for _, v := range pa.Tensor().AsFloat32() {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
}

func TestParameterSet(t *testing.T) {
	m, err := New(smallConfig(), 1)
	require.NoError(t, err)
	p, _ := m.Parameter("ffm.conv1.weight")

	assert.Error(t, p.Set(tensor.MustNewRaw(tensor.Shape{1}, tensor.Float32)))

	half := tensor.MustNewRaw(p.Shape(), tensor.Float16)
	require.NoError(t, p.Set(half))
	assert.Equal(t, tensor.Float32, p.Tensor().DType())
}

func TestGraphStructure(t *testing.T) {
	m, err := New(smallConfig(), 1)
	require.NoError(t, err)

	g, err := m.Graph(GraphOptions{})
	require.NoError(t, err)
	require.NoError(t, g.Validate())

	assert.Equal(t, []string{InputName}, g.InputNames())
	assert.Equal(t, StaticOutputNames[:], g.OutputNames())
	assert.Equal(t, []string{
		graph.OpAdd, graph.OpBatchNorm, graph.OpConcat, graph.OpConv, graph.OpMaxPool,
		graph.OpMul, graph.OpReduceMean, graph.OpRelu, graph.OpResize, graph.OpSigmoid,
	}, g.OpTypes())
	assert.Equal(t, m.NumParams(), g.ParamCount())
	assert.Equal(t, "19", g.Metadata["n_classes"])

	shape, ok := g.Outputs[0].Shape()
	require.True(t, ok)
	assert.Equal(t, tensor.Shape{1, 19, 64, 64}, shape)

	adaptive := smallConfig()
	adaptive.Pooling = PoolingAdaptive
	ma, err := New(adaptive, 1)
	require.NoError(t, err)
	ga, err := ma.Graph(GraphOptions{Batch: graph.Symbolic("batch_size"), OutputNames: DeployOutputNames})
	require.NoError(t, err)
	assert.Contains(t, ga.OpTypes(), graph.OpGlobalAveragePool)
	assert.NotContains(t, ga.OpTypes(), graph.OpReduceMean)
	assert.Equal(t, DeployOutputNames[:], ga.OutputNames())
	assert.True(t, ga.Inputs[0].Dims[0].IsSymbolic())
}

func TestGraphIsSnapshot(t *testing.T) {
	m, err := New(smallConfig(), 1)
	require.NoError(t, err)
	g, err := m.Graph(GraphOptions{})
	require.NoError(t, err)

	p, _ := m.Parameter("conv_out.conv_out.weight")
	before := g.Initializers[p.Name()].AsFloat32()[0]
	p.Tensor().AsFloat32()[0] = before + 1
	assert.Equal(t, before, g.Initializers[p.Name()].AsFloat32()[0])
}

func TestForward(t *testing.T) {
	cfg := smallConfig()
	m, err := New(cfg, 1)
	require.NoError(t, err)

	x := RandomInput(cfg.InputShape(1), 42)
	out, err := m.Forward(context.Background(), x)
	require.NoError(t, err)

	for _, y := range []*tensor.RawTensor{out.Main, out.Aux16, out.Aux32} {
		require.NotNil(t, y)
		assert.Equal(t, cfg.OutputShape(1), y.Shape())
		for _, v := range y.AsFloat32() {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
	assert.Greater(t, maxAbs(out.Main), 0.0)

	_, err = m.Forward(context.Background(), RandomInput(tensor.Shape{1, 3, 32, 32}, 1))
	assert.Error(t, err)
}

func TestPoolingVariantsAgree(t *testing.T) {
	cfg := smallConfig()
	mean, err := New(cfg, 3)
	require.NoError(t, err)
	cfg.Pooling = PoolingAdaptive
	adaptive, err := New(cfg, 3)
	require.NoError(t, err)

	x := RandomInput(cfg.InputShape(1), 5)
	a, err := mean.Forward(context.Background(), x)
	require.NoError(t, err)
	b, err := adaptive.Forward(context.Background(), x)
	require.NoError(t, err)

	diff, err := tensor.MaxAbsDiff(a.Main, b.Main)
	require.NoError(t, err)
	assert.Zero(t, diff)
}

func TestForwardHalf(t *testing.T) {
	cfg := smallConfig()
	m, err := New(cfg, 1)
	require.NoError(t, err)

	x := RandomInput(cfg.InputShape(1), 42)
	ref, err := m.Forward(context.Background(), x)
	require.NoError(t, err)

	x16, err := tensor.ToFloat16(x)
	require.NoError(t, err)
	half, err := m.Forward(context.Background(), x16)
	require.NoError(t, err)
	assert.Equal(t, tensor.Float16, half.Main.DType())
	assert.Equal(t, cfg.OutputShape(1), half.Aux32.Shape())

	diff, err := tensor.MaxAbsDiff(ref.Main, half.Main)
	require.NoError(t, err)
	assert.Less(t, diff, 0.05*math.Max(1, maxAbs(ref.Main)))
}
