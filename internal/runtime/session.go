package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/faceparse/internal/backend/cpu"
	"github.com/born-ml/faceparse/internal/ctxlog"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
)

// ErrInputMismatch is returned when a run input is missing or has the
// wrong shape.
var ErrInputMismatch = errors.New("input mismatch")

// Session is a compiled graph ready for inference.
type Session struct {
	graph    *graph.Graph
	nodes    []graph.Node
	weights  map[string]*tensor.RawTensor
	registry *Registry
	backend  *cpu.CPUBackend
	half     bool
}

// Option configures a Session.
type Option func(*Session)

// WithBackend sets the kernel backend.
func WithBackend(b *cpu.CPUBackend) Option {
	return func(s *Session) { s.backend = b }
}

// WithRegistry replaces the operator registry.
func WithRegistry(r *Registry) Option {
	return func(s *Session) { s.registry = r }
}

// NewSession validates g, orders its nodes and widens its weights.
//
// If any graph input is Float16 the session emulates half precision: every
// node output is rounded through float16 and outputs are returned as Float16.
func NewSession(g *graph.Graph, opts ...Option) (*Session, error) {
	s := &Session{graph: g}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	if s.backend == nil {
		s.backend = cpu.New()
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	for _, op := range g.OpTypes() {
		if _, ok := s.registry.Get(op); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, op)
		}
	}
	nodes, err := g.TopoSort()
	if err != nil {
		return nil, err
	}
	s.nodes = nodes

	s.weights = make(map[string]*tensor.RawTensor, len(g.Initializers))
	for name, t := range g.Initializers {
		if t.DType().IsFloat() && t.DType() != tensor.Float32 {
			if t, err = tensor.ToFloat32(t); err != nil {
				return nil, fmt.Errorf("initializer %s: %w", name, err)
			}
		}
		s.weights[name] = t
	}
	for _, in := range g.Inputs {
		if in.DType == tensor.Float16 {
			s.half = true
		}
	}
	return s, nil
}

// Graph returns the compiled graph.
func (s *Session) Graph() *graph.Graph {
	return s.graph
}

// Half reports whether the session emulates float16 execution.
func (s *Session) Half() bool {
	return s.half
}

// Run evaluates the graph. Every declared input must be supplied with a
// shape matching its fixed dims; symbolic dims accept any size.
func (s *Session) Run(ctx context.Context, inputs map[string]*tensor.RawTensor) (map[string]*tensor.RawTensor, error) {
	logger := ctxlog.FromContext(ctx)

	values := make(map[string]*tensor.RawTensor, len(s.weights)+len(s.nodes))
	for name, t := range s.weights {
		values[name] = t
	}
	for _, decl := range s.graph.Inputs {
		t, ok := inputs[decl.Name]
		if !ok {
			return nil, fmt.Errorf("%w: missing input %q", ErrInputMismatch, decl.Name)
		}
		if !decl.Accepts(t.Shape()) {
			return nil, fmt.Errorf("%w: input %q has shape %s, want %s", ErrInputMismatch, decl.Name, t.Shape(), decl.DimsString())
		}
		if t.DType().IsFloat() && t.DType() != tensor.Float32 {
			var err error
			if t, err = tensor.ToFloat32(t); err != nil {
				return nil, fmt.Errorf("input %s: %w", decl.Name, err)
			}
		} else if s.half {
			t = t.Clone()
		}
		if s.half && t.DType() == tensor.Float32 {
			tensor.RoundToHalf(t.AsFloat32())
		}
		values[decl.Name] = t
	}

	opCtx := &Context{Backend: s.backend}
	for i := range s.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := &s.nodes[i]
		nodeInputs := make([]*tensor.RawTensor, len(node.Inputs))
		for j, name := range node.Inputs {
			if name == "" {
				continue
			}
			t, ok := values[name]
			if !ok {
				return nil, fmt.Errorf("node %s: missing input %s", node.Name, name)
			}
			nodeInputs[j] = t
		}

		outputs, err := s.registry.Execute(opCtx, node, nodeInputs)
		if err != nil {
			return nil, fmt.Errorf("node %s (%s): %w", node.Name, node.Op, err)
		}
		if len(outputs) < len(node.Outputs) {
			return nil, fmt.Errorf("node %s (%s): produced %d outputs, want %d", node.Name, node.Op, len(outputs), len(node.Outputs))
		}
		for j, name := range node.Outputs {
			out := outputs[j]
			if s.half && out.DType() == tensor.Float32 {
				if node.Op == graph.OpIdentity {
					out = out.Clone()
				}
				tensor.RoundToHalf(out.AsFloat32())
			}
			values[name] = out
		}
	}

	result := make(map[string]*tensor.RawTensor, len(s.graph.Outputs))
	for _, decl := range s.graph.Outputs {
		t, ok := values[decl.Name]
		if !ok {
			return nil, fmt.Errorf("missing output: %s", decl.Name)
		}
		if s.half {
			var err error
			if t, err = tensor.ToFloat16(t); err != nil {
				return nil, fmt.Errorf("output %s: %w", decl.Name, err)
			}
		}
		result[decl.Name] = t
	}
	logger.Debug("graph evaluated", "graph", s.graph.Name, "nodes", len(s.nodes), "half", s.half)
	return result, nil
}
