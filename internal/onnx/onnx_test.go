package onnx

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/runtime"
	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func randWeights(rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t := tensor.MustNewRaw(shape, tensor.Float32)
	for i := range t.AsFloat32() {
		t.AsFloat32()[i] = rng.Float32() - 0.5
	}
	return t
}

// stemGraph is conv -> bn -> relu -> maxpool -> nearest x2.
func stemGraph(t *testing.T) *graph.Graph {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	b := graph.NewBuilder("stem")
	x := b.Input("input", tensor.Float32, graph.Symbolic("batch_size"), graph.Fixed(2), graph.Fixed(4), graph.Fixed(4))
	b.Initializer("conv.weight", randWeights(rng, tensor.Shape{2, 2, 3, 3}))
	b.Initializer("bn.weight", randWeights(rng, tensor.Shape{2}))
	b.Initializer("bn.bias", randWeights(rng, tensor.Shape{2}))
	b.Initializer("bn.running_mean", randWeights(rng, tensor.Shape{2}))
	v, err := tensor.FromFloat32(tensor.Shape{2}, []float32{1, 2})
	require.NoError(t, err)
	b.Initializer("bn.running_var", v)

	y := b.Node("conv", graph.OpConv, []string{x, "conv.weight"},
		graph.Ints("dilations", 1, 1), graph.Int("group", 1), graph.Ints("kernel_shape", 3, 3),
		graph.Ints("pads", 1, 1, 1, 1), graph.Ints("strides", 1, 1))
	y = b.Node("bn", graph.OpBatchNorm, []string{y, "bn.weight", "bn.bias", "bn.running_mean", "bn.running_var"},
		graph.Float("epsilon", 1e-5), graph.Float("momentum", 0.9))
	y = b.Node("bn", graph.OpRelu, []string{y})
	y = b.Node("pool", graph.OpMaxPool, []string{y},
		graph.Int("ceil_mode", 0), graph.Ints("kernel_shape", 3, 3), graph.Ints("pads", 1, 1, 1, 1), graph.Ints("strides", 2, 2))
	b.NamedNode("up", graph.OpResize, "output", []string{y},
		graph.String("coordinate_transformation_mode", "asymmetric"),
		graph.String("mode", "nearest"),
		graph.String("nearest_mode", "floor"),
		graph.Floats("scales", 1, 1, 2, 2))
	b.Output("output", tensor.Float32, graph.Symbolic("batch_size"), graph.Fixed(2), graph.Fixed(4), graph.Fixed(4))
	b.SetMetadata("n_classes", "19")
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestFromGraph(t *testing.T) {
	m, err := FromGraph(stemGraph(t), ExportOptions{Opset: 11, ProducerVersion: "test"})
	require.NoError(t, err)
	require.NoError(t, CheckModel(m))

	assert.Equal(t, int64(IRVersion), m.IRVersion)
	assert.Equal(t, ProducerName, m.ProducerName)
	assert.Equal(t, []OperatorSetID{{Version: 11}}, m.OpsetImport)
	assert.Equal(t, []StringStringEntry{{Key: "n_classes", Value: "19"}}, m.MetadataProps)

	in := m.Graph.Inputs[0].Type.TensorType
	assert.Equal(t, int32(TensorProtoFloat), in.ElemType)
	assert.Equal(t, "batch_size", in.Shape.Dims[0].DimParam)
	assert.Equal(t, int64(4), in.Shape.Dims[3].DimValue)

	resize := m.Graph.Nodes[4]
	require.Equal(t, graph.OpResize, resize.OpType)
	require.Len(t, resize.Inputs, 3)
	for _, a := range resize.Attributes {
		assert.NotEqual(t, "scales", a.Name)
	}
	var scales *TensorProto
	for i := range m.Graph.Initializers {
		if m.Graph.Initializers[i].Name == resize.Inputs[2] {
			scales = &m.Graph.Initializers[i]
		}
	}
	require.NotNil(t, scales)
	assert.Equal(t, []int64{4}, scales.Dims)
	assert.Equal(t, float32Bytes([]float32{1, 1, 2, 2}), scales.RawData)
}

func TestFromGraphRejectsOpset(t *testing.T) {
	_, err := FromGraph(stemGraph(t), ExportOptions{Opset: 9})
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = FromGraph(stemGraph(t), ExportOptions{Opset: 18})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestMarshalRoundTrip(t *testing.T) {
	m, err := FromGraph(stemGraph(t), ExportOptions{Opset: 13, ProducerVersion: "1.0", DocString: "stem"})
	require.NoError(t, err)

	decoded, err := Unmarshal(Marshal(m))
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestToGraphPreservesTopology(t *testing.T) {
	g := stemGraph(t)
	m, err := FromGraph(g, ExportOptions{Opset: 11})
	require.NoError(t, err)

	back, err := ToGraph(m)
	require.NoError(t, err)
	require.NoError(t, graph.SameTopology(g, back))
	assert.Equal(t, g.InitializerNames(), back.InitializerNames())
	assert.Equal(t, g.Inputs, back.Inputs)
	assert.Equal(t, g.Outputs, back.Outputs)
	assert.Equal(t, g.Metadata, back.Metadata)
	for name, w := range g.Initializers {
		assert.Equal(t, w.Data(), back.Initializers[name].Data(), name)
	}
}

func TestHalfInitializers(t *testing.T) {
	g, err := stemGraph(t).WithPrecision(tensor.Float16)
	require.NoError(t, err)
	m, err := FromGraph(g, ExportOptions{Opset: 13})
	require.NoError(t, err)
	require.NoError(t, CheckModel(m))

	for _, init := range m.Graph.Initializers {
		if init.Name == "conv.weight" {
			assert.Equal(t, int32(TensorProtoFloat16), init.DataType)
			assert.Len(t, init.RawData, 2*2*3*3*2)
		}
	}
	assert.Equal(t, int32(TensorProtoFloat16), m.Graph.Inputs[0].Type.TensorType.ElemType)
}

func TestUnmarshalPackedAndUnknownFields(t *testing.T) {
	// attribute {name: "pads", ints: [1,1,1,1] packed, type: INTS} plus an unknown field 99.
	var packed []byte
	for range 4 {
		packed = protowire.AppendVarint(packed, 1)
	}
	var attr []byte
	attr = appendString(attr, 1, "pads")
	attr = protowire.AppendTag(attr, 8, protowire.BytesType)
	attr = protowire.AppendBytes(attr, packed)
	attr = protowire.AppendTag(attr, 99, protowire.VarintType)
	attr = protowire.AppendVarint(attr, 5)
	attr = appendInt(attr, 20, AttributeProtoInts)

	var node []byte
	node = appendString(node, 4, "MaxPool")
	node = appendMessage(node, 5, attr)
	var g []byte
	g = appendMessage(g, 1, node)
	var model []byte
	model = appendInt(model, 1, 7)
	model = appendMessage(model, 7, g)

	m, err := Unmarshal(model)
	require.NoError(t, err)
	require.Len(t, m.Graph.Nodes, 1)
	a := m.Graph.Nodes[0].Attributes[0]
	assert.Equal(t, "pads", a.Name)
	assert.Equal(t, int32(AttributeProtoInts), a.Type)
	assert.Equal(t, []int64{1, 1, 1, 1}, a.Ints)
}

func TestUnmarshalSkipsUnmodelledFields(t *testing.T) {
	m, err := FromGraph(stemGraph(t), ExportOptions{Opset: 11, DocString: "stem"})
	require.NoError(t, err)
	want := Marshal(m)

	// Fields onnx.proto defines that the exporter never sets.
	var tensorAttr []byte
	tensorAttr = appendString(tensorAttr, 1, "value")
	tensorAttr = appendMessage(tensorAttr, 5, marshalTensor(&m.Graph.Initializers[0]))
	tensorAttr = appendInt(tensorAttr, 20, 4)
	var extraNode []byte
	extraNode = appendString(extraNode, 6, "ignored")
	var extraGraph []byte
	extraGraph = appendString(extraGraph, 10, "ignored")
	var extraModel []byte
	extraModel = appendString(extraModel, 4, "ai.faceparse")
	extraModel = appendInt(extraModel, 5, 3)

	decoded, err := Unmarshal(append(want, extraModel...))
	require.NoError(t, err)
	assert.Equal(t, want, Marshal(decoded))
	assert.Equal(t, "stem", decoded.DocString)

	node := append(marshalNode(&m.Graph.Nodes[0]), extraNode...)
	n, err := readNode(node)
	require.NoError(t, err)
	assert.Equal(t, m.Graph.Nodes[0], n)

	g, err := readGraph(append(marshalGraph(m.Graph), extraGraph...))
	require.NoError(t, err)
	assert.Equal(t, m.Graph.Name, g.Name)
	assert.Len(t, g.Nodes, len(m.Graph.Nodes))

	attr, err := readAttribute(tensorAttr)
	require.NoError(t, err)
	assert.Equal(t, AttributeProto{Name: "value", Type: 4}, attr)
}

func TestCheckRejectsUnsupportedAttributeKind(t *testing.T) {
	m, err := FromGraph(stemGraph(t), ExportOptions{Opset: 11})
	require.NoError(t, err)
	n := &m.Graph.Nodes[0]
	n.Attributes = append(n.Attributes, AttributeProto{Name: "value", Type: 4})

	err = CheckModel(m)
	require.ErrorIs(t, err, ErrInvalidModel)
	assert.Contains(t, err.Error(), "unsupported type 4")
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte{0x3a, 0x05, 'a'})
	require.ErrorIs(t, err, ErrMalformed)

	// ir_version sent as bytes.
	var b []byte
	b = appendMessage(b, 1, []byte("x"))
	_, err = Unmarshal(b)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestCheckModel(t *testing.T) {
	valid := func() *ModelProto {
		m, err := FromGraph(stemGraph(t), ExportOptions{Opset: 11})
		require.NoError(t, err)
		return m
	}

	tests := []struct {
		name   string
		mutate func(m *ModelProto)
		want   string
	}{
		{"no ir version", func(m *ModelProto) { m.IRVersion = 0 }, "ir_version"},
		{"no opset", func(m *ModelProto) { m.OpsetImport = nil }, "opset_import"},
		{"opset too new", func(m *ModelProto) { m.OpsetImport[0].Version = 19 }, "outside"},
		{"unknown op", func(m *ModelProto) { m.Graph.Nodes[2].OpType = "Gelu" }, "unknown operator"},
		{"undefined input", func(m *ModelProto) { m.Graph.Nodes[0].Inputs[1] = "missing" }, "before it is defined"},
		{"out of order", func(m *ModelProto) {
			m.Graph.Nodes[0], m.Graph.Nodes[1] = m.Graph.Nodes[1], m.Graph.Nodes[0]
		}, "before it is defined"},
		{"duplicate node", func(m *ModelProto) { m.Graph.Nodes[1].Name = m.Graph.Nodes[0].Name }, "duplicate node"},
		{"missing kernel_shape", func(m *ModelProto) {
			n := &m.Graph.Nodes[3]
			var kept []AttributeProto
			for _, a := range n.Attributes {
				if a.Name != "kernel_shape" {
					kept = append(kept, a)
				}
			}
			n.Attributes = kept
		}, "kernel_shape"},
		{"resize without scales", func(m *ModelProto) {
			m.Graph.Nodes[4].Inputs = m.Graph.Nodes[4].Inputs[:1]
		}, "needs 3 inputs"},
		{"bad initializer", func(m *ModelProto) {
			for i := range m.Graph.Initializers {
				if m.Graph.Initializers[i].Name == "bn.bias" {
					m.Graph.Initializers[i].RawData = m.Graph.Initializers[i].RawData[:4]
				}
			}
		}, "raw_data"},
		{"output not produced", func(m *ModelProto) { m.Graph.Outputs[0].Name = "nowhere" }, "never produced"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(m)
			err := CheckModel(m)
			require.ErrorIs(t, err, ErrInvalidModel)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestFileRoundTripRuns(t *testing.T) {
	g := stemGraph(t)
	m, err := FromGraph(g, ExportOptions{Opset: 11})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "stem.onnx")
	require.NoError(t, WriteFile(path, m))
	// Overwrite in place.
	require.NoError(t, WriteFile(path, m))

	sess, err := Load(path)
	require.NoError(t, err)
	ref, err := runtime.NewSession(g)
	require.NoError(t, err)

	x := randWeights(rand.New(rand.NewSource(3)), tensor.Shape{2, 2, 4, 4})
	inputs := map[string]*tensor.RawTensor{"input": x}
	got, err := sess.Run(context.Background(), inputs)
	require.NoError(t, err)
	want, err := ref.Run(context.Background(), inputs)
	require.NoError(t, err)

	diff, err := tensor.MaxAbsDiff(want["output"], got["output"])
	require.NoError(t, err)
	assert.Zero(t, diff)
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "none.onnx"))
	require.Error(t, err)
}
