package mobile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/faceparse/internal/ctxlog"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/savedmodel"
	"github.com/born-ml/faceparse/internal/tensor"
)

// OpSet is a family of operator kernels available on device.
type OpSet int

// Operator sets.
const (
	// OpSetBuiltins are the native mobile kernels.
	OpSetBuiltins OpSet = iota
	// OpSetSelect carries server ops as Flex custom ops.
	OpSetSelect
)

func (s OpSet) String() string {
	switch s {
	case OpSetBuiltins:
		return "builtins"
	case OpSetSelect:
		return "select"
	default:
		return "opset(" + strconv.Itoa(int(s)) + ")"
	}
}

// Optimization toggles converter passes.
type Optimization int

// Converter optimizations.
const (
	// OptimizeDefault enables weight quantization to the first supported type.
	OptimizeDefault Optimization = iota
	// OptimizeFoldBatchNorm folds batch norms that follow a convolution
	// into its weight and bias.
	OptimizeFoldBatchNorm
)

// FlexPrefix marks select ops in the operator code table.
const FlexPrefix = "Flex"

// Builtin operator codes keyed by server op.
var builtinCodes = map[string]string{
	savedmodel.OpConv2D:                "CONV_2D",
	savedmodel.OpMaxPool:               "MAX_POOL_2D",
	savedmodel.OpRelu:                  "RELU",
	savedmodel.OpSigmoid:               "LOGISTIC",
	savedmodel.OpTanh:                  "TANH",
	savedmodel.OpMean:                  "MEAN",
	savedmodel.OpMul:                   "MUL",
	savedmodel.OpAddV2:                 "ADD",
	savedmodel.OpSub:                   "SUB",
	savedmodel.OpConcatV2:              "CONCATENATION",
	savedmodel.OpResizeNearestNeighbor: "RESIZE_NEAREST_NEIGHBOR",
	savedmodel.OpResizeBilinear:        "RESIZE_BILINEAR",
}

// BuiltinOps returns the builtin operator codes, sorted.
func BuiltinOps() []string {
	return slices.Sorted(maps.Values(builtinCodes))
}

// ErrOpsNotSupported is returned when a strategy cannot express every op.
var ErrOpsNotSupported = errors.New("ops not supported")

// UnsupportedOpsError lists the server ops a strategy could not map.
type UnsupportedOpsError struct {
	OpSets []OpSet
	Ops    []string
}

func (e *UnsupportedOpsError) Error() string {
	return fmt.Sprintf("%v: %s: %s", e.OpSets, ErrOpsNotSupported, strings.Join(e.Ops, ", "))
}

func (e *UnsupportedOpsError) Unwrap() error { return ErrOpsNotSupported }

// ErrConversionFailed is returned when every strategy fails.
var ErrConversionFailed = errors.New("mobile conversion failed")

// Converter turns a server bundle into a mobile model.
type Converter struct {
	Optimizations  []Optimization
	SupportedTypes []tensor.DataType
	// Strategies are tried in order; the first that succeeds wins.
	Strategies [][]OpSet
}

// DefaultStrategies tries builtins alone, then builtins plus select ops.
func DefaultStrategies() [][]OpSet {
	return [][]OpSet{{OpSetBuiltins}, {OpSetBuiltins, OpSetSelect}}
}

// NewConverter returns a converter using DefaultStrategies that folds batch
// norms and keeps float32 weights.
func NewConverter() *Converter {
	return &Converter{
		Optimizations: []Optimization{OptimizeFoldBatchNorm},
		Strategies:    DefaultStrategies(),
	}
}

// NewFloat16Converter returns a converter that quantizes weights to float16.
func NewFloat16Converter() *Converter {
	return &Converter{
		Optimizations:  []Optimization{OptimizeFoldBatchNorm, OptimizeDefault},
		SupportedTypes: []tensor.DataType{tensor.Float16},
		Strategies:     DefaultStrategies(),
	}
}

// Conversion is the result of Convert.
type Conversion struct {
	Model *Model
	// Tier is the index of the strategy that succeeded.
	Tier     int
	Strategy []OpSet
	// Failures holds the errors of the strategies tried before Tier.
	Failures []error
	// Folded counts the batch norms folded into convolutions.
	Folded int
}

// Convert tries each strategy in order and returns the first success.
func (c *Converter) Convert(ctx context.Context, b *savedmodel.Bundle) (*Conversion, error) {
	log := ctxlog.FromContext(ctx)
	if err := b.Validate(); err != nil {
		return nil, err
	}
	strategies := c.Strategies
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}

	conv := &Conversion{}
	nodes, vars := b.Def.Nodes, b.Variables
	if slices.Contains(c.Optimizations, OptimizeFoldBatchNorm) {
		var err error
		if nodes, vars, conv.Folded, err = foldBatchNorm(b); err != nil {
			return nil, err
		}
		log.Debug("folded batch norms", "count", conv.Folded)
	}
	for i, opsets := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, err := c.convert(b, nodes, vars, opsets)
		if err == nil {
			conv.Model, conv.Tier, conv.Strategy = m, i, opsets
			log.Info("mobile conversion succeeded", "tier", i, "opsets", opsets, "quantized", m.Quantized())
			return conv, nil
		}
		if !errors.Is(err, ErrOpsNotSupported) {
			return nil, err
		}
		log.Warn("mobile conversion strategy failed", "tier", i, "opsets", opsets, "err", err)
		conv.Failures = append(conv.Failures, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrConversionFailed, errors.Join(conv.Failures...))
}

func (c *Converter) quantizeTo() (tensor.DataType, bool) {
	if !slices.Contains(c.Optimizations, OptimizeDefault) || len(c.SupportedTypes) == 0 {
		return 0, false
	}
	return c.SupportedTypes[0], true
}

func (c *Converter) convert(b *savedmodel.Bundle, nodes []savedmodel.NodeDef, vars map[string]*tensor.RawTensor, opsets []OpSet) (*Model, error) {
	builtins := slices.Contains(opsets, OpSetBuiltins)
	selectOps := slices.Contains(opsets, OpSetSelect)

	m := &Model{
		Header: Header{
			Name:     b.Def.Name,
			Inputs:   ioSpecs(b.Manifest.Signature.Inputs),
			Outputs:  ioSpecs(b.Manifest.Signature.Outputs),
			Metadata: maps.Clone(b.Manifest.Metadata),
		},
		Tensors: make(map[string]*tensor.RawTensor, len(vars)),
	}
	codeIndex := make(map[string]int)
	var unsupported []string

	for _, nd := range nodes {
		var code OpCode
		builtin, hasBuiltin := builtinCodes[nd.Op]
		switch {
		case builtins && hasBuiltin:
			code = OpCode{Name: builtin, Builtin: true}
		case selectOps:
			code = OpCode{Name: FlexPrefix + nd.Op}
			m.Flags |= FlagSelectOps
		default:
			if !slices.Contains(unsupported, nd.Op) {
				unsupported = append(unsupported, nd.Op)
			}
			continue
		}
		idx, ok := codeIndex[code.Name]
		if !ok {
			idx = len(m.Header.OpCodes)
			codeIndex[code.Name] = idx
			m.Header.OpCodes = append(m.Header.OpCodes, code)
		}
		m.Header.Operators = append(m.Header.Operators, Operator{
			Name:        nd.Name,
			OpcodeIndex: idx,
			Inputs:      slices.Clone(nd.Inputs),
			Outputs:     slices.Clone(nd.Outputs),
			Attrs:       nd.Attrs.Clone(),
		})
	}
	if len(unsupported) > 0 {
		slices.Sort(unsupported)
		return nil, &UnsupportedOpsError{OpSets: opsets, Ops: unsupported}
	}

	target, quantize := c.quantizeTo()
	if quantize && target != tensor.Float16 {
		return nil, fmt.Errorf("quantization to %s is not supported", target)
	}
	for name, t := range vars {
		if quantize && t.DType() == tensor.Float32 {
			half, err := tensor.ToFloat16(t)
			if err != nil {
				return nil, fmt.Errorf("quantize %s: %w", name, err)
			}
			t = half
		}
		if quantize && t.DType() == tensor.Float16 {
			m.Flags |= FlagQuantized
		}
		m.Tensors[name] = t
	}
	return m, nil
}

// Graph rebuilds a computation graph for the runtime. Float16 weights are
// widened to float32; the node list is the converted one, with folded batch
// norms absent.
func (m *Model) Graph() (*graph.Graph, error) {
	g := graph.New(m.Header.Name)
	for _, op := range m.Header.Operators {
		if op.OpcodeIndex < 0 || op.OpcodeIndex >= len(m.Header.OpCodes) {
			return nil, fmt.Errorf("operator %q: opcode index %d out of range", op.Name, op.OpcodeIndex)
		}
		serverOp, err := serverOp(m.Header.OpCodes[op.OpcodeIndex])
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", op.Name, err)
		}
		gop, err := savedmodel.GraphOp(serverOp, op.Attrs)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", op.Name, err)
		}
		g.Nodes = append(g.Nodes, graph.Node{
			Name:    op.Name,
			Op:      gop,
			Inputs:  slices.Clone(op.Inputs),
			Outputs: slices.Clone(op.Outputs),
			Attrs:   op.Attrs.Clone(),
		})
	}
	var err error
	if g.Inputs, err = valueInfos(m.Header.Inputs); err != nil {
		return nil, err
	}
	if g.Outputs, err = valueInfos(m.Header.Outputs); err != nil {
		return nil, err
	}
	for name, t := range m.Tensors {
		if t.DType() == tensor.Float16 {
			wide, err := tensor.ToFloat32(t)
			if err != nil {
				return nil, fmt.Errorf("widen %s: %w", name, err)
			}
			t = wide
		}
		g.Initializers[name] = t
	}
	for k, v := range m.Header.Metadata {
		g.Metadata[k] = v
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func serverOp(code OpCode) (string, error) {
	if !code.Builtin {
		if op, ok := strings.CutPrefix(code.Name, FlexPrefix); ok {
			return op, nil
		}
		return "", fmt.Errorf("custom op %q is not a select op", code.Name)
	}
	for op, name := range builtinCodes {
		if name == code.Name {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown builtin %q", code.Name)
}

func ioSpecs(specs []savedmodel.TensorSpec) []IOSpec {
	out := make([]IOSpec, len(specs))
	for i, s := range specs {
		out[i] = IOSpec{Name: s.Name, DType: s.DType, Dims: slices.Clone(s.Dims)}
	}
	return out
}

func valueInfos(specs []IOSpec) ([]graph.ValueInfo, error) {
	out := make([]graph.ValueInfo, len(specs))
	for i, s := range specs {
		dt, err := tensor.ParseDataType(s.DType)
		if err != nil {
			return nil, fmt.Errorf("signature %s: %w", s.Name, err)
		}
		dims := make([]graph.Dim, len(s.Dims))
		for j, d := range s.Dims {
			if n, err := strconv.Atoi(d); err == nil {
				dims[j] = graph.Fixed(n)
			} else {
				dims[j] = graph.Symbolic(d)
			}
		}
		out[i] = graph.ValueInfo{Name: s.Name, DType: dt, Dims: dims}
	}
	return out, nil
}
