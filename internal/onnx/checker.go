package onnx

import (
	"errors"
	"fmt"

	"github.com/born-ml/faceparse/internal/graph"
)

// Opset range accepted by CheckModel.
const (
	MinCheckOpset = 7
	MaxCheckOpset = 18
	MaxIRVersion  = 10
)

// ErrInvalidModel is wrapped by every issue CheckModel reports.
var ErrInvalidModel = errors.New("invalid onnx model")

// minInputs is the number of inputs each operator requires.
var minInputs = map[string]int{
	graph.OpConv:              2,
	graph.OpBatchNorm:         5,
	graph.OpRelu:              1,
	graph.OpSigmoid:           1,
	graph.OpTanh:              1,
	graph.OpMaxPool:           1,
	graph.OpReduceMean:        1,
	graph.OpGlobalAveragePool: 1,
	graph.OpMul:               2,
	graph.OpAdd:               2,
	graph.OpSub:               2,
	graph.OpConcat:            1,
	graph.OpResize:            2,
	graph.OpIdentity:          1,
}

// requiredAttrs lists attributes without a default.
var requiredAttrs = map[string][]string{
	graph.OpMaxPool: {"kernel_shape"},
	graph.OpConcat:  {"axis"},
}

// CheckModel validates model structure the way onnx.checker.check_model does
// for the operators this module supports. All issues are reported together.
func CheckModel(m *ModelProto) error {
	c := &checker{}
	c.model(m)
	return errors.Join(c.errs...)
}

type checker struct {
	errs []error
}

func (c *checker) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf("%w: %s", ErrInvalidModel, fmt.Sprintf(format, args...)))
}

func (c *checker) model(m *ModelProto) {
	if m.IRVersion <= 0 {
		c.fail("ir_version is not set")
	} else if m.IRVersion > MaxIRVersion {
		c.fail("ir_version %d is newer than %d", m.IRVersion, MaxIRVersion)
	}

	var opset int64
	for _, op := range m.OpsetImport {
		if op.Domain == "" || op.Domain == "ai.onnx" {
			opset = op.Version
		}
	}
	switch {
	case opset == 0:
		c.fail("no opset_import for the default domain")
	case opset < MinCheckOpset || opset > MaxCheckOpset:
		c.fail("opset %d outside [%d, %d]", opset, MinCheckOpset, MaxCheckOpset)
	}

	if m.Graph == nil {
		c.fail("model has no graph")
		return
	}
	c.graph(m.Graph, opset)
}

func (c *checker) graph(g *GraphProto, opset int64) {
	defined := make(map[string]bool)
	for i := range g.Initializers {
		t := &g.Initializers[i]
		if t.Name == "" {
			c.fail("initializer %d has no name", i)
			continue
		}
		if defined[t.Name] {
			c.fail("duplicate initializer %q", t.Name)
		}
		defined[t.Name] = true
		c.tensor(t)
	}
	for i := range g.Inputs {
		in := &g.Inputs[i]
		c.valueInfo("input", in)
		if defined[in.Name] {
			// Initializers may be listed as inputs (keep_initializers_as_inputs).
			continue
		}
		defined[in.Name] = true
	}

	nodeNames := make(map[string]bool)
	for i := range g.Nodes {
		n := &g.Nodes[i]
		label := n.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if n.Name != "" {
			if nodeNames[n.Name] {
				c.fail("duplicate node name %q", n.Name)
			}
			nodeNames[n.Name] = true
		}
		c.node(n, label, opset)
		for _, in := range n.Inputs {
			if in != "" && !defined[in] {
				c.fail("node %s reads %q before it is defined", label, in)
			}
		}
		for _, out := range n.Outputs {
			if out == "" {
				continue
			}
			if defined[out] {
				c.fail("node %s redefines %q", label, out)
			}
			defined[out] = true
		}
	}

	if len(g.Outputs) == 0 {
		c.fail("graph has no outputs")
	}
	for i := range g.Outputs {
		out := &g.Outputs[i]
		c.valueInfo("output", out)
		if !defined[out.Name] {
			c.fail("output %q is never produced", out.Name)
		}
	}
}

func (c *checker) node(n *NodeProto, label string, opset int64) {
	if n.Domain != "" && n.Domain != "ai.onnx" {
		c.fail("node %s: unknown domain %q", label, n.Domain)
		return
	}
	if !graph.IsKnownOp(n.OpType) {
		c.fail("node %s: unknown operator %q", label, n.OpType)
		return
	}
	if len(n.Outputs) == 0 {
		c.fail("node %s: no outputs", label)
	}
	want := minInputs[n.OpType]
	if n.OpType == graph.OpResize && opset >= 11 {
		want = 3
	}
	if len(n.Inputs) < want {
		c.fail("node %s: %s needs %d inputs, has %d", label, n.OpType, want, len(n.Inputs))
	}

	seen := make(map[string]bool, len(n.Attributes))
	for i := range n.Attributes {
		a := &n.Attributes[i]
		if a.Name == "" {
			c.fail("node %s: attribute %d has no name", label, i)
			continue
		}
		if seen[a.Name] {
			c.fail("node %s: duplicate attribute %q", label, a.Name)
		}
		seen[a.Name] = true
		switch a.Type {
		case AttributeProtoFloat, AttributeProtoInt, AttributeProtoString, AttributeProtoFloats, AttributeProtoInts:
		default:
			c.fail("node %s: attribute %q has unsupported type %d", label, a.Name, a.Type)
		}
	}
	for _, name := range requiredAttrs[n.OpType] {
		if !seen[name] {
			c.fail("node %s: %s requires attribute %q", label, n.OpType, name)
		}
	}
}

func (c *checker) tensor(t *TensorProto) {
	dt, err := DataType(t.DataType)
	if err != nil {
		c.fail("initializer %q: %v", t.Name, err)
		return
	}
	n := int64(1)
	for _, d := range t.Dims {
		if d < 0 {
			c.fail("initializer %q: negative dim %d", t.Name, d)
			return
		}
		n *= d
	}
	var got int64
	switch {
	case len(t.RawData) > 0:
		if int64(len(t.RawData)) != n*int64(dt.Size()) {
			c.fail("initializer %q: raw_data is %d bytes, dims %v x %s need %d", t.Name, len(t.RawData), t.Dims, dt, n*int64(dt.Size()))
		}
		return
	case len(t.FloatData) > 0:
		got = int64(len(t.FloatData))
	case len(t.Int32Data) > 0:
		got = int64(len(t.Int32Data))
	case len(t.Int64Data) > 0:
		got = int64(len(t.Int64Data))
	}
	if got != n {
		c.fail("initializer %q: holds %d elements, dims %v need %d", t.Name, got, t.Dims, n)
	}
}

func (c *checker) valueInfo(kind string, v *ValueInfoProto) {
	if v.Name == "" {
		c.fail("%s without a name", kind)
		return
	}
	if v.Type == nil || v.Type.TensorType == nil {
		c.fail("%s %q has no tensor type", kind, v.Name)
		return
	}
	if _, err := DataType(v.Type.TensorType.ElemType); err != nil {
		c.fail("%s %q: %v", kind, v.Name, err)
	}
	if s := v.Type.TensorType.Shape; s != nil {
		for i, d := range s.Dims {
			if d.DimParam == "" && d.DimValue < 0 {
				c.fail("%s %q: dim %d is negative", kind, v.Name, i)
			}
		}
	}
}
