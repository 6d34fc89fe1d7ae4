// Package runtime evaluates graph.Graph values on the CPU kernels.
package runtime

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/born-ml/faceparse/internal/backend/cpu"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
)

// ErrUnsupportedOperator is returned when a graph uses an op with no handler.
var ErrUnsupportedOperator = errors.New("unsupported operator")

// OpHandler processes a node and returns its output tensors.
type OpHandler func(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Context provides the backend to operators.
type Context struct {
	Backend *cpu.CPUBackend
}

// Registry maps operator types to handler functions.
type Registry struct {
	handlers map[string]OpHandler
}

// NewRegistry creates a registry with every canonical operator.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]OpHandler)}
	r.registerLayerOps()
	r.registerActivations()
	r.registerElementwise()
	r.registerShapeOps()
	return r
}

// Register adds or replaces an operator handler.
func (r *Registry) Register(opType string, handler OpHandler) {
	r.handlers[opType] = handler
}

// Get returns the handler for an operator type.
func (r *Registry) Get(opType string) (OpHandler, bool) {
	h, ok := r.handlers[opType]
	return h, ok
}

// Execute runs an operator with the given inputs.
func (r *Registry) Execute(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	handler, ok := r.handlers[node.Op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperator, node.Op)
	}
	return handler(ctx, node, inputs)
}

// SupportedOps returns all registered operator types, sorted.
func (r *Registry) SupportedOps() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}

func single(t *tensor.RawTensor, err error) ([]*tensor.RawTensor, error) {
	if err != nil {
		return nil, err
	}
	return []*tensor.RawTensor{t}, nil
}

func wantInputs(op string, inputs []*tensor.RawTensor, n int) error {
	if len(inputs) != n {
		return fmt.Errorf("%s requires %d inputs, got %d", op, n, len(inputs))
	}
	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("%s: input %d is missing", op, i)
		}
	}
	return nil
}
