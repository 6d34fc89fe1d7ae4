package graph

import (
	"fmt"
	"strings"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Builder appends nodes to a graph and hands out unique value names.
//
// Value names follow the PyTorch ONNX exporter: a node scoped "ffm.convblk"
// of type Conv is named "/ffm/convblk/Conv" and produces
// "/ffm/convblk/Conv_output_0".
type Builder struct {
	g     *Graph
	names map[string]int
}

// NewBuilder starts a graph.
func NewBuilder(name string) *Builder {
	return &Builder{g: New(name), names: make(map[string]int)}
}

// Input declares a graph input and returns its name.
func (b *Builder) Input(name string, dtype tensor.DataType, dims ...Dim) string {
	b.g.Inputs = append(b.g.Inputs, ValueInfo{Name: name, DType: dtype, Dims: dims})
	return name
}

// Initializer registers a weight under name and returns the name.
func (b *Builder) Initializer(name string, t *tensor.RawTensor) string {
	b.g.Initializers[name] = t
	return name
}

// Node appends an operator in the given scope and returns its output name.
func (b *Builder) Node(scope, op string, inputs []string, attrs ...Attr) string {
	name := b.unique(scopePath(scope) + op)
	out := name + "_output_0"
	b.g.Nodes = append(b.g.Nodes, Node{
		Name:    name,
		Op:      op,
		Inputs:  inputs,
		Outputs: []string{out},
		Attrs:   Attrs(attrs),
	})
	return out
}

// NamedNode appends an operator whose single output gets an explicit name,
// used for graph outputs.
func (b *Builder) NamedNode(scope, op, output string, inputs []string, attrs ...Attr) string {
	name := b.unique(scopePath(scope) + op)
	b.g.Nodes = append(b.g.Nodes, Node{
		Name:    name,
		Op:      op,
		Inputs:  inputs,
		Outputs: []string{output},
		Attrs:   Attrs(attrs),
	})
	return output
}

// Output declares a graph output.
func (b *Builder) Output(name string, dtype tensor.DataType, dims ...Dim) {
	b.g.Outputs = append(b.g.Outputs, ValueInfo{Name: name, DType: dtype, Dims: dims})
}

// SetMetadata records a key/value pair on the graph.
func (b *Builder) SetMetadata(key, value string) {
	b.g.Metadata[key] = value
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if err := b.g.Validate(); err != nil {
		return nil, fmt.Errorf("build %s: %w", b.g.Name, err)
	}
	return b.g, nil
}

func (b *Builder) unique(name string) string {
	n := b.names[name]
	b.names[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s_%d", name, n)
}

func scopePath(scope string) string {
	if scope == "" {
		return "/"
	}
	return "/" + strings.ReplaceAll(scope, ".", "/") + "/"
}
