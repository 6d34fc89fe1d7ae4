package savedmodel

import (
	"fmt"
	"maps"
	"slices"

	"github.com/born-ml/faceparse/internal/graph"
)

// Server operator names.
const (
	OpConv2D                = "Conv2D"
	OpFusedBatchNormV3      = "FusedBatchNormV3"
	OpRelu                  = "Relu"
	OpSigmoid               = "Sigmoid"
	OpTanh                  = "Tanh"
	OpMaxPool               = "MaxPool"
	OpMean                  = "Mean"
	OpMul                   = "Mul"
	OpAddV2                 = "AddV2"
	OpSub                   = "Sub"
	OpConcatV2              = "ConcatV2"
	OpResizeNearestNeighbor = "ResizeNearestNeighbor"
	OpResizeBilinear        = "ResizeBilinear"
	OpIdentity              = "Identity"
)

var toServer = map[string]string{
	graph.OpConv:              OpConv2D,
	graph.OpBatchNorm:         OpFusedBatchNormV3,
	graph.OpRelu:              OpRelu,
	graph.OpSigmoid:           OpSigmoid,
	graph.OpTanh:              OpTanh,
	graph.OpMaxPool:           OpMaxPool,
	graph.OpReduceMean:        OpMean,
	graph.OpGlobalAveragePool: OpMean,
	graph.OpMul:               OpMul,
	graph.OpAdd:               OpAddV2,
	graph.OpSub:               OpSub,
	graph.OpConcat:            OpConcatV2,
	graph.OpIdentity:          OpIdentity,
}

// ServerOps returns every server operator name a bundle may contain, sorted.
func ServerOps() []string {
	ops := map[string]bool{OpResizeNearestNeighbor: true, OpResizeBilinear: true}
	for _, op := range toServer {
		ops[op] = true
	}
	return slices.Sorted(maps.Keys(ops))
}

// ServerOp maps a graph node to its server operator name.
func ServerOp(n *graph.Node) (string, error) {
	switch n.Op {
	case graph.OpResize:
		switch mode := n.Attrs.String("mode", "nearest"); mode {
		case "nearest":
			return OpResizeNearestNeighbor, nil
		case "linear":
			return OpResizeBilinear, nil
		default:
			return "", fmt.Errorf("%w: resize mode %q", ErrUnsupportedOp, mode)
		}
	case graph.OpReduceMean:
		if !n.Attrs.Has("axes") {
			return "", fmt.Errorf("%w: ReduceMean %q without axes", ErrUnsupportedOp, n.Name)
		}
	case graph.OpGlobalAveragePool:
		if n.Attrs.Has("axes") {
			return "", fmt.Errorf("%w: GlobalAveragePool %q has axes", ErrUnsupportedOp, n.Name)
		}
	}
	op, ok := toServer[n.Op]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedOp, n.Op)
	}
	return op, nil
}

// GraphOp maps a server node back to the graph operator. Mean is a
// ReduceMean when it carries axes and a GlobalAveragePool otherwise.
func GraphOp(serverOp string, attrs graph.Attrs) (string, error) {
	switch serverOp {
	case OpResizeNearestNeighbor, OpResizeBilinear:
		return graph.OpResize, nil
	case OpMean:
		if attrs.Has("axes") {
			return graph.OpReduceMean, nil
		}
		return graph.OpGlobalAveragePool, nil
	}
	for op, s := range toServer {
		if s == serverOp {
			return op, nil
		}
	}
	return "", fmt.Errorf("%w: server op %s", ErrUnsupportedOp, serverOp)
}
