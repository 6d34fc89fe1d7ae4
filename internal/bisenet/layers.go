package bisenet

import (
	"math/rand"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/tensor"
)

// bnEpsilon matches torch.nn.BatchNorm2d.
const bnEpsilon = 1e-5

// emitter carries graph construction state through the layer tree.
type emitter struct {
	b       *graph.Builder
	pooling Pooling
}

// globalPool reduces H and W to 1 with keepdims, using the configured op.
func (e *emitter) globalPool(scope, x string) string {
	if e.pooling == PoolingAdaptive {
		return e.b.Node(scope, graph.OpGlobalAveragePool, []string{x})
	}
	return e.b.Node(scope, graph.OpReduceMean, []string{x}, graph.Ints("axes", 2, 3), graph.Int("keepdims", 1))
}

func (e *emitter) nearest(scope, x string, scale int) string {
	s := float32(scale)
	return e.b.Node(scope, graph.OpResize, []string{x},
		graph.String("coordinate_transformation_mode", "asymmetric"),
		graph.String("mode", "nearest"),
		graph.String("nearest_mode", "floor"),
		graph.Floats("scales", 1, 1, s, s))
}

// Conv is a bias-free 2D convolution.
type Conv struct {
	Name            string
	In, Out         int
	Kernel          int
	Stride, Padding int
	weight          *Parameter
}

func newConv(rng *rand.Rand, name string, in, out, kernel, stride, padding int) *Conv {
	return &Conv{
		Name: name, In: in, Out: out, Kernel: kernel, Stride: stride, Padding: padding,
		weight: newParameter(name+".weight", kaimingUniform(rng, tensor.Shape{out, in, kernel, kernel})),
	}
}

// Parameters returns the conv weight.
func (c *Conv) Parameters() []*Parameter {
	return []*Parameter{c.weight}
}

func (c *Conv) emit(e *emitter, x string) string {
	k, s, p := int64(c.Kernel), int64(c.Stride), int64(c.Padding)
	return e.b.Node(c.Name, graph.OpConv, []string{x, c.weight.Name()},
		graph.Ints("dilations", 1, 1),
		graph.Int("group", 1),
		graph.Ints("kernel_shape", k, k),
		graph.Ints("pads", p, p, p, p),
		graph.Ints("strides", s, s))
}

// BatchNorm is an inference-mode BatchNorm2d.
type BatchNorm struct {
	Name                string
	weight, bias        *Parameter
	runningMean, runVar *Parameter
}

func newBatchNorm(name string, channels int) *BatchNorm {
	return &BatchNorm{
		Name:        name,
		weight:      newParameter(name+".weight", filled(channels, 1)),
		bias:        newParameter(name+".bias", filled(channels, 0)),
		runningMean: newBuffer(name+".running_mean", filled(channels, 0)),
		runVar:      newBuffer(name+".running_var", filled(channels, 1)),
	}
}

// Parameters returns weight, bias, running_mean and running_var.
func (bn *BatchNorm) Parameters() []*Parameter {
	return []*Parameter{bn.weight, bn.bias, bn.runningMean, bn.runVar}
}

func (bn *BatchNorm) emit(e *emitter, x string) string {
	return e.b.Node(bn.Name, graph.OpBatchNorm,
		[]string{x, bn.weight.Name(), bn.bias.Name(), bn.runningMean.Name(), bn.runVar.Name()},
		graph.Float("epsilon", bnEpsilon),
		graph.Float("momentum", 0.9))
}

// ConvBNReLU is conv -> bn -> relu.
type ConvBNReLU struct {
	Name string
	conv *Conv
	bn   *BatchNorm
}

// NewConvBNReLU builds the block with sub-modules "<name>.conv" and "<name>.bn".
func NewConvBNReLU(rng *rand.Rand, name string, in, out, kernel, stride, padding int) *ConvBNReLU {
	return &ConvBNReLU{
		Name: name,
		conv: newConv(rng, name+".conv", in, out, kernel, stride, padding),
		bn:   newBatchNorm(name+".bn", out),
	}
}

// Parameters returns conv then bn parameters.
func (l *ConvBNReLU) Parameters() []*Parameter {
	return append(l.conv.Parameters(), l.bn.Parameters()...)
}

func (l *ConvBNReLU) emit(e *emitter, x string) string {
	y := l.conv.emit(e, x)
	y = l.bn.emit(e, y)
	return e.b.Node(l.Name, graph.OpRelu, []string{y})
}

// BasicBlock is the two-conv ResNet block:
// out = relu(shortcut(x) + bn2(conv2(relu(bn1(conv1(x)))))).
type BasicBlock struct {
	Name     string
	conv1    *Conv
	bn1      *BatchNorm
	conv2    *Conv
	bn2      *BatchNorm
	downConv *Conv
	downBN   *BatchNorm
}

// NewBasicBlock adds a 1x1 conv + bn projection ("<name>.downsample.0/1")
// when the channel count or stride changes.
func NewBasicBlock(rng *rand.Rand, name string, in, out, stride int) *BasicBlock {
	blk := &BasicBlock{
		Name:  name,
		conv1: newConv(rng, name+".conv1", in, out, 3, stride, 1),
		bn1:   newBatchNorm(name+".bn1", out),
		conv2: newConv(rng, name+".conv2", out, out, 3, 1, 1),
		bn2:   newBatchNorm(name+".bn2", out),
	}
	if in != out || stride != 1 {
		blk.downConv = newConv(rng, name+".downsample.0", in, out, 1, stride, 0)
		blk.downBN = newBatchNorm(name+".downsample.1", out)
	}
	return blk
}

// Parameters returns the block parameters in state_dict order.
func (blk *BasicBlock) Parameters() []*Parameter {
	ps := blk.conv1.Parameters()
	ps = append(ps, blk.bn1.Parameters()...)
	ps = append(ps, blk.conv2.Parameters()...)
	ps = append(ps, blk.bn2.Parameters()...)
	if blk.downConv != nil {
		ps = append(ps, blk.downConv.Parameters()...)
		ps = append(ps, blk.downBN.Parameters()...)
	}
	return ps
}

func (blk *BasicBlock) emit(e *emitter, x string) string {
	residual := blk.conv1.emit(e, x)
	residual = blk.bn1.emit(e, residual)
	residual = e.b.Node(blk.Name, graph.OpRelu, []string{residual})
	residual = blk.conv2.emit(e, residual)
	residual = blk.bn2.emit(e, residual)

	shortcut := x
	if blk.downConv != nil {
		shortcut = blk.downConv.emit(e, x)
		shortcut = blk.downBN.emit(e, shortcut)
	}
	out := e.b.Node(blk.Name, graph.OpAdd, []string{shortcut, residual})
	return e.b.Node(blk.Name, graph.OpRelu, []string{out})
}

// ResNet18 is the backbone. It returns features at strides 8, 16 and 32
// with 128, 256 and 512 channels.
type ResNet18 struct {
	Name   string
	conv1  *Conv
	bn1    *BatchNorm
	layers [4][2]*BasicBlock
}

// NewResNet18 builds the backbone under name (normally "cp.resnet").
func NewResNet18(rng *rand.Rand, name string) *ResNet18 {
	r := &ResNet18{
		Name:  name,
		conv1: newConv(rng, name+".conv1", 3, 64, 7, 2, 3),
		bn1:   newBatchNorm(name+".bn1", 64),
	}
	in := 64
	for i, out := range []int{64, 128, 256, 512} {
		stride := 2
		if i == 0 {
			stride = 1
		}
		prefix := name + ".layer" + string(rune('1'+i))
		r.layers[i][0] = NewBasicBlock(rng, prefix+".0", in, out, stride)
		r.layers[i][1] = NewBasicBlock(rng, prefix+".1", out, out, 1)
		in = out
	}
	return r
}

// Parameters returns the backbone parameters in state_dict order.
func (r *ResNet18) Parameters() []*Parameter {
	ps := r.conv1.Parameters()
	ps = append(ps, r.bn1.Parameters()...)
	for _, layer := range r.layers {
		for _, blk := range layer {
			ps = append(ps, blk.Parameters()...)
		}
	}
	return ps
}

func (r *ResNet18) emit(e *emitter, x string) (feat8, feat16, feat32 string) {
	y := r.conv1.emit(e, x)
	y = r.bn1.emit(e, y)
	y = e.b.Node(r.Name, graph.OpRelu, []string{y})
	y = e.b.Node(r.Name+".maxpool", graph.OpMaxPool, []string{y},
		graph.Int("ceil_mode", 0),
		graph.Ints("dilations", 1, 1),
		graph.Ints("kernel_shape", 3, 3),
		graph.Ints("pads", 1, 1, 1, 1),
		graph.Ints("strides", 2, 2))

	feats := make([]string, 4)
	for i, layer := range r.layers {
		for _, blk := range layer {
			y = blk.emit(e, y)
		}
		feats[i] = y
	}
	return feats[1], feats[2], feats[3]
}

// AttentionRefinement reweights channels by a sigmoid gate computed from
// the globally pooled feature.
type AttentionRefinement struct {
	Name      string
	conv      *ConvBNReLU
	convAtten *Conv
	bnAtten   *BatchNorm
}

// NewAttentionRefinement builds an ARM from in to out channels.
func NewAttentionRefinement(rng *rand.Rand, name string, in, out int) *AttentionRefinement {
	return &AttentionRefinement{
		Name:      name,
		conv:      NewConvBNReLU(rng, name+".conv", in, out, 3, 1, 1),
		convAtten: newConv(rng, name+".conv_atten", out, out, 1, 1, 0),
		bnAtten:   newBatchNorm(name+".bn_atten", out),
	}
}

// Parameters returns the ARM parameters in state_dict order.
func (a *AttentionRefinement) Parameters() []*Parameter {
	ps := a.conv.Parameters()
	ps = append(ps, a.convAtten.Parameters()...)
	return append(ps, a.bnAtten.Parameters()...)
}

func (a *AttentionRefinement) emit(e *emitter, x string) string {
	feat := a.conv.emit(e, x)
	atten := e.globalPool(a.Name, feat)
	atten = a.convAtten.emit(e, atten)
	atten = a.bnAtten.emit(e, atten)
	atten = e.b.Node(a.Name+".sigmoid_atten", graph.OpSigmoid, []string{atten})
	return e.b.Node(a.Name, graph.OpMul, []string{feat, atten})
}

// ContextPath combines the backbone with attention refinement and a global
// context branch.
type ContextPath struct {
	Name       string
	resnet     *ResNet18
	arm16      *AttentionRefinement
	arm32      *AttentionRefinement
	convHead32 *ConvBNReLU
	convHead16 *ConvBNReLU
	convAvg    *ConvBNReLU
}

// NewContextPath builds the context path under name (normally "cp").
func NewContextPath(rng *rand.Rand, name string) *ContextPath {
	return &ContextPath{
		Name:       name,
		resnet:     NewResNet18(rng, name+".resnet"),
		arm16:      NewAttentionRefinement(rng, name+".arm16", 256, 128),
		arm32:      NewAttentionRefinement(rng, name+".arm32", 512, 128),
		convHead32: NewConvBNReLU(rng, name+".conv_head32", 128, 128, 3, 1, 1),
		convHead16: NewConvBNReLU(rng, name+".conv_head16", 128, 128, 3, 1, 1),
		convAvg:    NewConvBNReLU(rng, name+".conv_avg", 512, 128, 1, 1, 0),
	}
}

// Parameters returns the context path parameters in state_dict order.
func (cp *ContextPath) Parameters() []*Parameter {
	ps := cp.resnet.Parameters()
	ps = append(ps, cp.arm16.Parameters()...)
	ps = append(ps, cp.arm32.Parameters()...)
	ps = append(ps, cp.convHead32.Parameters()...)
	ps = append(ps, cp.convHead16.Parameters()...)
	return append(ps, cp.convAvg.Parameters()...)
}

// emit needs the stride-32 spatial size to upsample the 1x1 context back.
func (cp *ContextPath) emit(e *emitter, x string, size32 int) (feat8, feat16Up, feat32Up string) {
	feat8, feat16, feat32 := cp.resnet.emit(e, x)

	avg := e.globalPool(cp.Name, feat32)
	avg = cp.convAvg.emit(e, avg)
	avgUp := e.nearest(cp.Name, avg, size32)

	feat32Arm := cp.arm32.emit(e, feat32)
	feat32Sum := e.b.Node(cp.Name, graph.OpAdd, []string{feat32Arm, avgUp})
	feat32Up = e.nearest(cp.Name, feat32Sum, 2)
	feat32Up = cp.convHead32.emit(e, feat32Up)

	feat16Arm := cp.arm16.emit(e, feat16)
	feat16Sum := e.b.Node(cp.Name, graph.OpAdd, []string{feat16Arm, feat32Up})
	feat16Up = e.nearest(cp.Name, feat16Sum, 2)
	feat16Up = cp.convHead16.emit(e, feat16Up)

	return feat8, feat16Up, feat32Up
}

// FeatureFusion concatenates the spatial and context features and applies
// a squeeze-excite gate with a residual connection.
type FeatureFusion struct {
	Name    string
	convblk *ConvBNReLU
	conv1   *Conv
	conv2   *Conv
}

// NewFeatureFusion builds an FFM; the bottleneck has out/4 channels.
func NewFeatureFusion(rng *rand.Rand, name string, in, out int) *FeatureFusion {
	return &FeatureFusion{
		Name:    name,
		convblk: NewConvBNReLU(rng, name+".convblk", in, out, 1, 1, 0),
		conv1:   newConv(rng, name+".conv1", out, out/4, 1, 1, 0),
		conv2:   newConv(rng, name+".conv2", out/4, out, 1, 1, 0),
	}
}

// Parameters returns the FFM parameters in state_dict order.
func (f *FeatureFusion) Parameters() []*Parameter {
	ps := f.convblk.Parameters()
	ps = append(ps, f.conv1.Parameters()...)
	return append(ps, f.conv2.Parameters()...)
}

func (f *FeatureFusion) emit(e *emitter, fsp, fcp string) string {
	fcat := e.b.Node(f.Name, graph.OpConcat, []string{fsp, fcp}, graph.Int("axis", 1))
	feat := f.convblk.emit(e, fcat)
	atten := e.globalPool(f.Name, feat)
	atten = f.conv1.emit(e, atten)
	atten = e.b.Node(f.Name, graph.OpRelu, []string{atten})
	atten = f.conv2.emit(e, atten)
	atten = e.b.Node(f.Name, graph.OpSigmoid, []string{atten})
	featAtten := e.b.Node(f.Name, graph.OpMul, []string{feat, atten})
	return e.b.Node(f.Name, graph.OpAdd, []string{featAtten, feat})
}

// OutputHead maps features to per-class logits.
type OutputHead struct {
	Name    string
	conv    *ConvBNReLU
	convOut *Conv
}

// NewOutputHead builds a head with a 3x3 ConvBNReLU to mid channels and a
// 1x1 classifier.
func NewOutputHead(rng *rand.Rand, name string, in, mid, classes int) *OutputHead {
	return &OutputHead{
		Name:    name,
		conv:    NewConvBNReLU(rng, name+".conv", in, mid, 3, 1, 1),
		convOut: newConv(rng, name+".conv_out", mid, classes, 1, 1, 0),
	}
}

// Parameters returns the head parameters in state_dict order.
func (h *OutputHead) Parameters() []*Parameter {
	return append(h.conv.Parameters(), h.convOut.Parameters()...)
}

func (h *OutputHead) emit(e *emitter, x string) string {
	return h.convOut.emit(e, h.conv.emit(e, x))
}
