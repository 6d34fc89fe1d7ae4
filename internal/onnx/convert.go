package onnx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
)

// Export constants.
const (
	IRVersion    = 7
	ProducerName = "faceparse"

	// MinExportOpset is the first opset where Resize takes scales as an input.
	MinExportOpset = 11
	// MaxExportOpset is the last opset where ReduceMean takes axes as an attribute.
	MaxExportOpset = 17
)

// ErrUnsupported is returned when a model uses a construct the converter
// does not map.
var ErrUnsupported = errors.New("unsupported onnx construct")

// ExportOptions controls FromGraph.
type ExportOptions struct {
	Opset           int64
	ProducerVersion string
	DocString       string
}

// FromGraph converts a computation graph into an ONNX model. Resize scales
// become a float initializer fed as the third input, with an empty roi
// tensor as the second.
func FromGraph(g *graph.Graph, opts ExportOptions) (*ModelProto, error) {
	if opts.Opset < MinExportOpset || opts.Opset > MaxExportOpset {
		return nil, fmt.Errorf("%w: opset %d outside [%d, %d]", ErrUnsupported, opts.Opset, MinExportOpset, MaxExportOpset)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	gp := &GraphProto{Name: g.Name}
	for _, name := range g.InitializerNames() {
		tp, err := tensorToProto(name, g.Initializers[name])
		if err != nil {
			return nil, err
		}
		gp.Initializers = append(gp.Initializers, tp)
	}
	for _, v := range g.Inputs {
		vi, err := valueInfoToProto(v)
		if err != nil {
			return nil, err
		}
		gp.Inputs = append(gp.Inputs, vi)
	}
	for _, v := range g.Outputs {
		vi, err := valueInfoToProto(v)
		if err != nil {
			return nil, err
		}
		gp.Outputs = append(gp.Outputs, vi)
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		np := NodeProto{
			Name:    n.Name,
			OpType:  n.Op,
			Inputs:  slices.Clone(n.Inputs),
			Outputs: slices.Clone(n.Outputs),
		}
		for _, a := range n.Attrs {
			if n.Op == graph.OpResize && a.Name == "scales" {
				continue
			}
			np.Attributes = append(np.Attributes, attrToProto(a))
		}
		if n.Op == graph.OpResize {
			scales := n.Attrs.Floats("scales", nil)
			if len(scales) == 0 {
				return nil, fmt.Errorf("%w: resize node %q has no scales", ErrUnsupported, n.Name)
			}
			prefix := n.Name
			if prefix == "" {
				prefix = n.Outputs[0]
			}
			roi, scl := prefix+"/roi", prefix+"/scales"
			if _, clash := g.Initializers[scl]; clash {
				return nil, fmt.Errorf("%w: initializer %q already exists", ErrUnsupported, scl)
			}
			gp.Initializers = append(gp.Initializers,
				TensorProto{Name: roi, DataType: TensorProtoFloat, Dims: []int64{0}},
				TensorProto{Name: scl, DataType: TensorProtoFloat, Dims: []int64{int64(len(scales))}, RawData: float32Bytes(scales)},
			)
			np.Inputs = append(np.Inputs[:1:1], roi, scl)
		}
		gp.Nodes = append(gp.Nodes, np)
	}

	m := &ModelProto{
		IRVersion:       IRVersion,
		ProducerName:    ProducerName,
		ProducerVersion: opts.ProducerVersion,
		DocString:       opts.DocString,
		OpsetImport:     []OperatorSetID{{Domain: "", Version: opts.Opset}},
		Graph:           gp,
	}
	for _, k := range slices.Sorted(maps.Keys(g.Metadata)) {
		m.MetadataProps = append(m.MetadataProps, StringStringEntry{Key: k, Value: g.Metadata[k]})
	}
	return m, nil
}

// ToGraph converts an ONNX model into a computation graph. Resize roi and
// scales initializers are folded back into a scales attribute.
func ToGraph(m *ModelProto) (*graph.Graph, error) {
	if m.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", ErrMalformed)
	}
	gp := m.Graph
	g := graph.New(gp.Name)

	inits := make(map[string]*TensorProto, len(gp.Initializers))
	for i := range gp.Initializers {
		inits[gp.Initializers[i].Name] = &gp.Initializers[i]
	}
	folded := make(map[string]bool)

	for i := range gp.Nodes {
		np := &gp.Nodes[i]
		if np.Domain != "" && np.Domain != "ai.onnx" {
			return nil, fmt.Errorf("%w: node %q uses domain %q", ErrUnsupported, np.Name, np.Domain)
		}
		n := graph.Node{
			Name:    np.Name,
			Op:      np.OpType,
			Inputs:  slices.Clone(np.Inputs),
			Outputs: slices.Clone(np.Outputs),
		}
		for j := range np.Attributes {
			a, err := attrFromProto(&np.Attributes[j])
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", np.Name, err)
			}
			n.Attrs = append(n.Attrs, a)
		}
		if np.OpType == graph.OpResize {
			scales, err := resizeScales(np, inits)
			if err != nil {
				return nil, err
			}
			for _, in := range np.Inputs[1:] {
				if in != "" {
					folded[in] = true
				}
			}
			n.Inputs = n.Inputs[:1]
			n.Attrs = append(n.Attrs, graph.Floats("scales", scales...))
		}
		g.Nodes = append(g.Nodes, n)
	}

	for name, tp := range inits {
		if folded[name] && !usedOutsideResize(gp, name) {
			continue
		}
		t, err := tensorFromProto(tp)
		if err != nil {
			return nil, err
		}
		g.Initializers[name] = t
	}
	for i := range gp.Inputs {
		if _, isInit := inits[gp.Inputs[i].Name]; isInit {
			continue
		}
		v, err := valueInfoFromProto(&gp.Inputs[i])
		if err != nil {
			return nil, err
		}
		g.Inputs = append(g.Inputs, v)
	}
	for i := range gp.Outputs {
		v, err := valueInfoFromProto(&gp.Outputs[i])
		if err != nil {
			return nil, err
		}
		g.Outputs = append(g.Outputs, v)
	}
	for _, e := range m.MetadataProps {
		g.Metadata[e.Key] = e.Value
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func resizeScales(np *NodeProto, inits map[string]*TensorProto) ([]float32, error) {
	if len(np.Inputs) < 3 || np.Inputs[2] == "" {
		return nil, fmt.Errorf("%w: resize node %q without constant scales", ErrUnsupported, np.Name)
	}
	tp, ok := inits[np.Inputs[2]]
	if !ok {
		return nil, fmt.Errorf("%w: resize node %q scales %q is not an initializer", ErrUnsupported, np.Name, np.Inputs[2])
	}
	t, err := tensorFromProto(tp)
	if err != nil {
		return nil, err
	}
	if t.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: resize scales must be float32, got %s", ErrUnsupported, t.DType())
	}
	return slices.Clone(t.AsFloat32()), nil
}

func usedOutsideResize(gp *GraphProto, name string) bool {
	for i := range gp.Nodes {
		if gp.Nodes[i].OpType == graph.OpResize {
			continue
		}
		if slices.Contains(gp.Nodes[i].Inputs, name) {
			return true
		}
	}
	return false
}

func attrToProto(a graph.Attr) AttributeProto {
	p := AttributeProto{Name: a.Name}
	switch a.Kind {
	case graph.AttrInt:
		p.Type, p.I = AttributeProtoInt, a.Int
	case graph.AttrInts:
		p.Type, p.Ints = AttributeProtoInts, slices.Clone(a.Ints)
	case graph.AttrFloat:
		p.Type, p.F = AttributeProtoFloat, a.Float
	case graph.AttrFloats:
		p.Type, p.Floats = AttributeProtoFloats, slices.Clone(a.Floats)
	case graph.AttrString:
		p.Type, p.S = AttributeProtoString, []byte(a.Str)
	}
	return p
}

func attrFromProto(p *AttributeProto) (graph.Attr, error) {
	switch p.Type {
	case AttributeProtoInt:
		return graph.Int(p.Name, p.I), nil
	case AttributeProtoInts:
		return graph.Ints(p.Name, slices.Clone(p.Ints)...), nil
	case AttributeProtoFloat:
		return graph.Float(p.Name, p.F), nil
	case AttributeProtoFloats:
		return graph.Floats(p.Name, slices.Clone(p.Floats)...), nil
	case AttributeProtoString:
		return graph.String(p.Name, string(p.S)), nil
	default:
		return graph.Attr{}, fmt.Errorf("%w: attribute %q of type %d", ErrUnsupported, p.Name, p.Type)
	}
}

// ElemType maps a tensor data type to TensorProto.DataType.
func ElemType(dt tensor.DataType) (int32, error) {
	switch dt {
	case tensor.Float32:
		return TensorProtoFloat, nil
	case tensor.Float16:
		return TensorProtoFloat16, nil
	case tensor.Float64:
		return TensorProtoDouble, nil
	case tensor.Int32:
		return TensorProtoInt32, nil
	case tensor.Int64:
		return TensorProtoInt64, nil
	case tensor.Uint8:
		return TensorProtoUint8, nil
	default:
		return 0, fmt.Errorf("%w: data type %s", ErrUnsupported, dt)
	}
}

// DataType is the inverse of ElemType.
func DataType(elem int32) (tensor.DataType, error) {
	switch elem {
	case TensorProtoFloat:
		return tensor.Float32, nil
	case TensorProtoFloat16:
		return tensor.Float16, nil
	case TensorProtoDouble:
		return tensor.Float64, nil
	case TensorProtoInt32:
		return tensor.Int32, nil
	case TensorProtoInt64:
		return tensor.Int64, nil
	case TensorProtoUint8:
		return tensor.Uint8, nil
	default:
		return 0, fmt.Errorf("%w: tensor data type %d", ErrUnsupported, elem)
	}
}

func tensorToProto(name string, t *tensor.RawTensor) (TensorProto, error) {
	elem, err := ElemType(t.DType())
	if err != nil {
		return TensorProto{}, fmt.Errorf("initializer %s: %w", name, err)
	}
	return TensorProto{
		Name:     name,
		DataType: elem,
		Dims:     t.Shape().Int64s(),
		RawData:  slices.Clone(t.Data()),
	}, nil
}

func tensorFromProto(tp *TensorProto) (*tensor.RawTensor, error) {
	dt, err := DataType(tp.DataType)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", tp.Name, err)
	}
	shape := tensor.ShapeFromInt64(tp.Dims)
	if len(tp.RawData) > 0 {
		t, err := tensor.FromBytes(shape, dt, tp.RawData)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", tp.Name, err)
		}
		return t, nil
	}

	t, err := tensor.NewRaw(shape, dt)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", tp.Name, err)
	}
	n := t.NumElements()
	switch {
	case dt == tensor.Float32 && len(tp.FloatData) == n:
		copy(t.AsFloat32(), tp.FloatData)
	case dt == tensor.Int64 && len(tp.Int64Data) == n:
		copy(t.AsInt64(), tp.Int64Data)
	case dt == tensor.Int32 && len(tp.Int32Data) == n:
		copy(t.AsInt32(), tp.Int32Data)
	case dt == tensor.Float16 && len(tp.Int32Data) == n:
		// float16 bit patterns are stored widened in int32_data.
		bits := t.AsUint16()
		for i, v := range tp.Int32Data {
			bits[i] = uint16(v)
		}
	default:
		return nil, fmt.Errorf("tensor %s: no data for %d %s elements", tp.Name, n, dt)
	}
	return t, nil
}

func valueInfoToProto(v graph.ValueInfo) (ValueInfoProto, error) {
	elem, err := ElemType(v.DType)
	if err != nil {
		return ValueInfoProto{}, fmt.Errorf("value %s: %w", v.Name, err)
	}
	shape := &TensorShapeProto{}
	for _, d := range v.Dims {
		if d.IsSymbolic() {
			shape.Dims = append(shape.Dims, DimensionProto{DimParam: d.Param})
		} else {
			shape.Dims = append(shape.Dims, DimensionProto{DimValue: int64(d.Value)})
		}
	}
	return ValueInfoProto{
		Name: v.Name,
		Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: elem, Shape: shape}},
	}, nil
}

func valueInfoFromProto(p *ValueInfoProto) (graph.ValueInfo, error) {
	if p.Type == nil || p.Type.TensorType == nil {
		return graph.ValueInfo{}, fmt.Errorf("%w: value %q is not a tensor", ErrUnsupported, p.Name)
	}
	dt, err := DataType(p.Type.TensorType.ElemType)
	if err != nil {
		return graph.ValueInfo{}, fmt.Errorf("value %s: %w", p.Name, err)
	}
	v := graph.ValueInfo{Name: p.Name, DType: dt}
	if s := p.Type.TensorType.Shape; s != nil {
		for _, d := range s.Dims {
			if d.DimParam != "" {
				v.Dims = append(v.Dims, graph.Symbolic(d.DimParam))
			} else {
				v.Dims = append(v.Dims, graph.Fixed(int(d.DimValue)))
			}
		}
	}
	return v, nil
}

func float32Bytes(vs []float32) []byte {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}
