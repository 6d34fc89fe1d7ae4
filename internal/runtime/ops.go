package runtime

import (
	"fmt"
	"slices"

	"github.com/born-ml/faceparse/internal/backend/cpu"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
)

func (r *Registry) registerLayerOps() {
	r.Register(graph.OpConv, handleConv)
	r.Register(graph.OpBatchNorm, handleBatchNorm)
	r.Register(graph.OpMaxPool, handleMaxPool)
	r.Register(graph.OpReduceMean, handleReduceMean)
	r.Register(graph.OpGlobalAveragePool, handleGlobalAveragePool)
	r.Register(graph.OpResize, handleResize)
}

func (r *Registry) registerActivations() {
	r.Register(graph.OpRelu, func(ctx *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("relu", in, 1); err != nil {
			return nil, err
		}
		return single(ctx.Backend.ReLU(in[0]))
	})
	r.Register(graph.OpSigmoid, func(ctx *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("sigmoid", in, 1); err != nil {
			return nil, err
		}
		return single(ctx.Backend.Sigmoid(in[0]))
	})
	r.Register(graph.OpTanh, func(ctx *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("tanh", in, 1); err != nil {
			return nil, err
		}
		return single(ctx.Backend.Tanh(in[0]))
	})
}

func (r *Registry) registerElementwise() {
	r.Register(graph.OpAdd, func(ctx *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("add", in, 2); err != nil {
			return nil, err
		}
		return single(ctx.Backend.Add(in[0], in[1]))
	})
	r.Register(graph.OpSub, func(ctx *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("sub", in, 2); err != nil {
			return nil, err
		}
		return single(ctx.Backend.Sub(in[0], in[1]))
	})
	r.Register(graph.OpMul, func(ctx *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("mul", in, 2); err != nil {
			return nil, err
		}
		return single(ctx.Backend.Mul(in[0], in[1]))
	})
}

func (r *Registry) registerShapeOps() {
	r.Register(graph.OpConcat, func(ctx *Context, node *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if len(in) == 0 {
			return nil, fmt.Errorf("concat requires at least 1 input")
		}
		return single(ctx.Backend.Concat(in, int(node.Attrs.Int("axis", 1))))
	})
	r.Register(graph.OpIdentity, func(_ *Context, _ *graph.Node, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		if err := wantInputs("identity", in, 1); err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{in[0]}, nil
	})
}

func handleConv(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 2 || len(inputs) > 3 {
		return nil, fmt.Errorf("conv requires 2 or 3 inputs, got %d", len(inputs))
	}
	var bias *tensor.RawTensor
	if len(inputs) == 3 {
		bias = inputs[2]
	}
	p, err := ConvParams(node.Attrs)
	if err != nil {
		return nil, err
	}
	return single(ctx.Backend.Conv2D(inputs[0], inputs[1], bias, p))
}

// ConvParams decodes Conv attributes.
func ConvParams(attrs graph.Attrs) (cpu.Conv2DParams, error) {
	p := cpu.DefaultConv2DParams()
	var err error
	if p.Strides, err = attrs.IntPair("strides", p.Strides); err != nil {
		return p, err
	}
	if p.Dilations, err = attrs.IntPair("dilations", p.Dilations); err != nil {
		return p, err
	}
	if p.Pads, err = pads(attrs); err != nil {
		return p, err
	}
	p.Group = int(attrs.Int("group", 1))
	return p, nil
}

func handleBatchNorm(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := wantInputs("batchnorm", inputs, 5); err != nil {
		return nil, err
	}
	eps := node.Attrs.Float("epsilon", 1e-5)
	return single(ctx.Backend.BatchNorm(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4], eps))
}

func handleMaxPool(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := wantInputs("maxpool", inputs, 1); err != nil {
		return nil, err
	}
	p, err := PoolParams(node.Attrs)
	if err != nil {
		return nil, err
	}
	return single(ctx.Backend.MaxPool2D(inputs[0], p))
}

// PoolParams decodes MaxPool attributes.
func PoolParams(attrs graph.Attrs) (cpu.Pool2DParams, error) {
	var p cpu.Pool2DParams
	if !attrs.Has("kernel_shape") {
		return p, fmt.Errorf("maxpool: kernel_shape is required")
	}
	var err error
	if p.Kernel, err = attrs.IntPair("kernel_shape", [2]int{}); err != nil {
		return p, err
	}
	if p.Strides, err = attrs.IntPair("strides", [2]int{1, 1}); err != nil {
		return p, err
	}
	if p.Pads, err = pads(attrs); err != nil {
		return p, err
	}
	return p, nil
}

func handleReduceMean(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	// Opset 18 moved axes to an input; the IR keeps them as an attribute.
	if len(inputs) < 1 || inputs[0] == nil {
		return nil, fmt.Errorf("reducemean requires 1 input")
	}
	axes := node.Attrs.Ints("axes", nil)
	sorted := slices.Sorted(slices.Values(axes))
	if !slices.Equal(sorted, []int64{2, 3}) && !slices.Equal(sorted, []int64{-2, -1}) {
		return nil, fmt.Errorf("reducemean: only spatial axes [2 3] are supported, got %v", axes)
	}
	return single(ctx.Backend.SpatialMean(inputs[0], node.Attrs.Int("keepdims", 1) != 0))
}

func handleGlobalAveragePool(ctx *Context, _ *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if err := wantInputs("globalaveragepool", inputs, 1); err != nil {
		return nil, err
	}
	return single(ctx.Backend.SpatialMean(inputs[0], true))
}

func handleResize(ctx *Context, node *graph.Node, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	if len(inputs) < 1 || inputs[0] == nil {
		return nil, fmt.Errorf("resize requires an input")
	}
	p, err := ResizeParams(node.Attrs)
	if err != nil {
		return nil, err
	}
	return single(ctx.Backend.Resize(inputs[0], p))
}

// ResizeParams decodes Resize attributes. scales holds one factor per NCHW
// axis; batch and channel factors must be 1.
func ResizeParams(attrs graph.Attrs) (cpu.ResizeParams, error) {
	scales := attrs.Floats("scales", nil)
	if len(scales) != 4 {
		return cpu.ResizeParams{}, fmt.Errorf("resize: want 4 scales, got %v", scales)
	}
	if scales[0] != 1 || scales[1] != 1 {
		return cpu.ResizeParams{}, fmt.Errorf("resize: batch/channel scales must be 1, got %v", scales)
	}
	return cpu.ResizeParams{
		Mode:        attrs.String("mode", cpu.ResizeNearest),
		CoordMode:   attrs.String("coordinate_transformation_mode", cpu.CoordHalfPixel),
		NearestMode: attrs.String("nearest_mode", cpu.NearestRoundPreferFloor),
		Scales:      [2]float32{scales[2], scales[3]},
	}, nil
}

func pads(attrs graph.Attrs) ([4]int, error) {
	v := attrs.Ints("pads", nil)
	switch len(v) {
	case 0:
		return [4]int{}, nil
	case 4:
		return [4]int{int(v[0]), int(v[1]), int(v[2]), int(v[3])}, nil
	default:
		return [4]int{}, fmt.Errorf("pads: want 4 values, got %d", len(v))
	}
}
