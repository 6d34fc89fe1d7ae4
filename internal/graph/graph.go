// Package graph defines the format-neutral computation graph shared by the
// model builder, the runtime and every exporter.
//
// Operator names follow ONNX. Converting between formats changes only the
// serialized op vocabulary and initializer precision, never the node list.
package graph

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Canonical operator set.
const (
	OpConv              = "Conv"
	OpBatchNorm         = "BatchNormalization"
	OpRelu              = "Relu"
	OpSigmoid           = "Sigmoid"
	OpTanh              = "Tanh"
	OpMaxPool           = "MaxPool"
	OpReduceMean        = "ReduceMean"
	OpGlobalAveragePool = "GlobalAveragePool"
	OpMul               = "Mul"
	OpAdd               = "Add"
	OpSub               = "Sub"
	OpConcat            = "Concat"
	OpResize            = "Resize"
	OpIdentity          = "Identity"
)

var knownOps = map[string]bool{
	OpConv: true, OpBatchNorm: true, OpRelu: true, OpSigmoid: true, OpTanh: true,
	OpMaxPool: true, OpReduceMean: true, OpGlobalAveragePool: true, OpMul: true,
	OpAdd: true, OpSub: true, OpConcat: true, OpResize: true, OpIdentity: true,
}

// IsKnownOp reports whether op belongs to the canonical operator set.
func IsKnownOp(op string) bool {
	return knownOps[op]
}

// KnownOps returns the canonical operator set, sorted.
func KnownOps() []string {
	return slices.Sorted(maps.Keys(knownOps))
}

// ErrInvalidGraph is returned by Validate for structurally broken graphs.
var ErrInvalidGraph = errors.New("invalid graph")

// Dim is one dimension of a value: a fixed size, or a symbolic name such as
// "batch_size" that accepts any size at run time.
type Dim struct {
	Value int
	Param string
}

// Fixed returns a fixed-size dimension.
func Fixed(n int) Dim { return Dim{Value: n} }

// Symbolic returns a named dynamic dimension.
func Symbolic(name string) Dim { return Dim{Param: name} }

// IsSymbolic reports whether the dimension is dynamic.
func (d Dim) IsSymbolic() bool { return d.Param != "" }

func (d Dim) String() string {
	if d.IsSymbolic() {
		return d.Param
	}
	return strconv.Itoa(d.Value)
}

// Dims builds fixed dimensions from a shape.
func Dims(shape tensor.Shape) []Dim {
	dims := make([]Dim, len(shape))
	for i, n := range shape {
		dims[i] = Fixed(n)
	}
	return dims
}

// ValueInfo describes a graph input or output.
type ValueInfo struct {
	Name  string
	DType tensor.DataType
	Dims  []Dim
}

// Shape returns the fixed shape. ok is false if any dimension is symbolic.
func (v ValueInfo) Shape() (shape tensor.Shape, ok bool) {
	shape = make(tensor.Shape, len(v.Dims))
	for i, d := range v.Dims {
		if d.IsSymbolic() {
			return nil, false
		}
		shape[i] = d.Value
	}
	return shape, true
}

// Accepts reports whether a concrete shape matches the declared dims.
func (v ValueInfo) Accepts(shape tensor.Shape) bool {
	if len(shape) != len(v.Dims) {
		return false
	}
	for i, d := range v.Dims {
		if !d.IsSymbolic() && d.Value != shape[i] {
			return false
		}
	}
	return true
}

// DimsString formats dims as "(batch_size,3,512,512)".
func (v ValueInfo) DimsString() string {
	s := "("
	for i, d := range v.Dims {
		if i > 0 {
			s += ","
		}
		s += d.String()
	}
	return s + ")"
}

// Node is a single operator application.
type Node struct {
	Name    string
	Op      string
	Inputs  []string
	Outputs []string
	Attrs   Attrs
}

// Graph is a static dataflow graph with its weights.
type Graph struct {
	Name         string
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	Nodes        []Node
	Initializers map[string]*tensor.RawTensor
	Metadata     map[string]string
}

// New returns an empty graph.
func New(name string) *Graph {
	return &Graph{
		Name:         name,
		Initializers: make(map[string]*tensor.RawTensor),
		Metadata:     make(map[string]string),
	}
}

// Input returns the declared input by name.
func (g *Graph) Input(name string) (ValueInfo, bool) {
	for _, v := range g.Inputs {
		if v.Name == name {
			return v, true
		}
	}
	return ValueInfo{}, false
}

// InputNames returns the names of the graph inputs.
func (g *Graph) InputNames() []string {
	names := make([]string, len(g.Inputs))
	for i, v := range g.Inputs {
		names[i] = v.Name
	}
	return names
}

// OutputNames returns the names of the graph outputs.
func (g *Graph) OutputNames() []string {
	names := make([]string, len(g.Outputs))
	for i, v := range g.Outputs {
		names[i] = v.Name
	}
	return names
}

// InitializerNames returns initializer names in sorted order.
func (g *Graph) InitializerNames() []string {
	return slices.Sorted(maps.Keys(g.Initializers))
}

// Validate checks that the graph is well formed:
// every node input is a graph input, an initializer or an output of some node;
// value names are produced at most once; the graph is acyclic; every graph
// output is produced.
func (g *Graph) Validate() error {
	if len(g.Inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidGraph)
	}
	defined := make(map[string]string, len(g.Initializers)+len(g.Nodes))
	for name := range g.Initializers {
		defined[name] = "initializer"
	}
	for _, in := range g.Inputs {
		if _, dup := defined[in.Name]; dup {
			return fmt.Errorf("%w: input %q shadows another value", ErrInvalidGraph, in.Name)
		}
		defined[in.Name] = "input"
	}
	nodeNames := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Op == "" {
			return fmt.Errorf("%w: node %d has no op", ErrInvalidGraph, i)
		}
		if n.Name != "" {
			if nodeNames[n.Name] {
				return fmt.Errorf("%w: duplicate node name %q", ErrInvalidGraph, n.Name)
			}
			nodeNames[n.Name] = true
		}
		if len(n.Outputs) == 0 {
			return fmt.Errorf("%w: node %q has no outputs", ErrInvalidGraph, n.Name)
		}
		for _, out := range n.Outputs {
			if prev, dup := defined[out]; dup {
				return fmt.Errorf("%w: value %q produced by node %q is already defined (%s)", ErrInvalidGraph, out, n.Name, prev)
			}
			defined[out] = n.Name
		}
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		for _, in := range n.Inputs {
			if in == "" {
				continue
			}
			if _, ok := defined[in]; !ok {
				return fmt.Errorf("%w: node %q reads undefined value %q", ErrInvalidGraph, n.Name, in)
			}
		}
	}
	for _, out := range g.Outputs {
		if _, ok := defined[out.Name]; !ok {
			return fmt.Errorf("%w: output %q is never produced", ErrInvalidGraph, out.Name)
		}
	}
	if _, err := g.TopoSort(); err != nil {
		return err
	}
	return nil
}

// TopoSort returns the nodes in execution order. Dependencies come first and
// otherwise the declaration order is kept. A cycle is an error.
func (g *Graph) TopoSort() ([]Node, error) {
	producer := make(map[string]int)
	for i := range g.Nodes {
		for _, out := range g.Nodes[i].Outputs {
			producer[out] = i
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.Nodes))
	result := make([]Node, 0, len(g.Nodes))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: cycle through node %q", ErrInvalidGraph, g.Nodes[i].Name)
		}
		state[i] = visiting
		for _, in := range g.Nodes[i].Inputs {
			if dep, ok := producer[in]; ok {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		state[i] = done
		result = append(result, g.Nodes[i])
		return nil
	}

	for i := range g.Nodes {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// OpTypes returns the distinct operators used, sorted.
func (g *Graph) OpTypes() []string {
	seen := make(map[string]bool)
	for i := range g.Nodes {
		seen[g.Nodes[i].Op] = true
	}
	return slices.Sorted(maps.Keys(seen))
}

// ParamCount returns the total number of initializer elements.
func (g *Graph) ParamCount() int64 {
	var n int64
	for _, t := range g.Initializers {
		n += int64(t.NumElements())
	}
	return n
}

// Clone returns a deep copy of the graph, weights included.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		Name:         g.Name,
		Inputs:       cloneValueInfos(g.Inputs),
		Outputs:      cloneValueInfos(g.Outputs),
		Nodes:        make([]Node, len(g.Nodes)),
		Initializers: make(map[string]*tensor.RawTensor, len(g.Initializers)),
		Metadata:     maps.Clone(g.Metadata),
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	for i, n := range g.Nodes {
		c.Nodes[i] = Node{
			Name:    n.Name,
			Op:      n.Op,
			Inputs:  slices.Clone(n.Inputs),
			Outputs: slices.Clone(n.Outputs),
			Attrs:   n.Attrs.Clone(),
		}
	}
	for name, t := range g.Initializers {
		c.Initializers[name] = t.Clone()
	}
	return c
}

// ConvertInitializers changes the precision of every floating point
// initializer in place. Nodes are untouched.
func (g *Graph) ConvertInitializers(dtype tensor.DataType) error {
	for name, t := range g.Initializers {
		if !t.DType().IsFloat() || t.DType() == dtype {
			continue
		}
		converted, err := tensor.ConvertFloat(t, dtype)
		if err != nil {
			return fmt.Errorf("initializer %s: %w", name, err)
		}
		g.Initializers[name] = converted
	}
	return nil
}

// WithPrecision returns a copy whose initializers, inputs and outputs use
// dtype. The node list is identical.
func (g *Graph) WithPrecision(dtype tensor.DataType) (*Graph, error) {
	c := g.Clone()
	if err := c.ConvertInitializers(dtype); err != nil {
		return nil, err
	}
	for i := range c.Inputs {
		if c.Inputs[i].DType.IsFloat() {
			c.Inputs[i].DType = dtype
		}
	}
	for i := range c.Outputs {
		if c.Outputs[i].DType.IsFloat() {
			c.Outputs[i].DType = dtype
		}
	}
	return c, nil
}

// SameTopology reports whether two graphs have identical node lists
// (names, ops, wiring and attributes). Weight values are not compared.
func SameTopology(a, b *Graph) error {
	if len(a.Nodes) != len(b.Nodes) {
		return fmt.Errorf("node count %d != %d", len(a.Nodes), len(b.Nodes))
	}
	for i := range a.Nodes {
		x, y := &a.Nodes[i], &b.Nodes[i]
		switch {
		case x.Name != y.Name:
			return fmt.Errorf("node %d: name %q != %q", i, x.Name, y.Name)
		case x.Op != y.Op:
			return fmt.Errorf("node %q: op %s != %s", x.Name, x.Op, y.Op)
		case !slices.Equal(x.Inputs, y.Inputs):
			return fmt.Errorf("node %q: inputs %v != %v", x.Name, x.Inputs, y.Inputs)
		case !slices.Equal(x.Outputs, y.Outputs):
			return fmt.Errorf("node %q: outputs %v != %v", x.Name, x.Outputs, y.Outputs)
		case !x.Attrs.Equal(y.Attrs):
			return fmt.Errorf("node %q: attributes differ", x.Name)
		}
	}
	return nil
}

func cloneValueInfos(vs []ValueInfo) []ValueInfo {
	out := make([]ValueInfo, len(vs))
	for i, v := range vs {
		out[i] = ValueInfo{Name: v.Name, DType: v.DType, Dims: slices.Clone(v.Dims)}
	}
	return out
}
