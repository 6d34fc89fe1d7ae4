// Package bisenet defines the BiSeNet face-parsing network with a ResNet-18
// backbone and emits its static computation graph.
//
// The network has three outputs at input resolution: the fused main
// prediction and two auxiliary heads fed by the context path at strides 16
// and 32. Parameter names follow the PyTorch state_dict of the reference
// model so trained checkpoints load without remapping.
package bisenet

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/runtime"
	"github.com/born-ml/faceparse/internal/tensor"
)

// Pooling selects the operator used for global average pooling.
// Both produce identical values.
type Pooling string

// Pooling variants.
const (
	PoolingMean     Pooling = "mean"     // ReduceMean over H, W
	PoolingAdaptive Pooling = "adaptive" // GlobalAveragePool
)

// Default configuration values.
const (
	DefaultNumClasses = 19
	DefaultInputSize  = 512
	InputChannels     = 3
	// SizeDivisor is the backbone's total stride.
	SizeDivisor = 32
)

// Output names used by the static export.
var (
	StaticOutputNames = [3]string{"output", "output_aux1", "output_aux2"}
	DeployOutputNames = [3]string{"output", "output16", "output32"}
)

// InputName is the graph input name.
const InputName = "input"

// ErrInvalidConfig is returned for unusable model configurations.
var ErrInvalidConfig = errors.New("invalid model config")

// Config describes the network.
type Config struct {
	NumClasses int
	InputSize  int
	Pooling    Pooling
}

// DefaultConfig returns the 19-class, 512x512 configuration.
func DefaultConfig() Config {
	return Config{NumClasses: DefaultNumClasses, InputSize: DefaultInputSize, Pooling: PoolingMean}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.NumClasses <= 0 {
		return fmt.Errorf("%w: num_classes must be positive, got %d", ErrInvalidConfig, c.NumClasses)
	}
	if c.InputSize <= 0 || c.InputSize%SizeDivisor != 0 {
		return fmt.Errorf("%w: input size must be a positive multiple of %d, got %d", ErrInvalidConfig, SizeDivisor, c.InputSize)
	}
	switch c.Pooling {
	case PoolingMean, PoolingAdaptive:
	default:
		return fmt.Errorf("%w: unknown pooling %q", ErrInvalidConfig, c.Pooling)
	}
	return nil
}

// InputShape returns the static input shape for a batch size.
func (c Config) InputShape(batch int) tensor.Shape {
	return tensor.Shape{batch, InputChannels, c.InputSize, c.InputSize}
}

// OutputShape returns the shape of each of the three outputs.
func (c Config) OutputShape(batch int) tensor.Shape {
	return tensor.Shape{batch, c.NumClasses, c.InputSize, c.InputSize}
}

// BiSeNet is the face-parsing network.
type BiSeNet struct {
	cfg       Config
	cp        *ContextPath
	ffm       *FeatureFusion
	convOut   *OutputHead
	convOut16 *OutputHead
	convOut32 *OutputHead

	params []*Parameter
	index  map[string]*Parameter
}

// New builds the network with freshly initialised weights. Conv weights are
// Kaiming-uniform from a generator seeded with seed; batch norms start as
// identity (weight 1, bias 0, mean 0, var 1).
func New(cfg Config, seed int64) (*BiSeNet, error) {
	if cfg.Pooling == "" {
		cfg.Pooling = PoolingMean
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	//nolint:gosec // weight initialization, not security-critical
	rng := rand.New(rand.NewSource(seed))
	n := cfg.NumClasses
	m := &BiSeNet{
		cfg:       cfg,
		cp:        NewContextPath(rng, "cp"),
		ffm:       NewFeatureFusion(rng, "ffm", 256, 256),
		convOut:   NewOutputHead(rng, "conv_out", 256, 256, n),
		convOut16: NewOutputHead(rng, "conv_out16", 128, 64, n),
		convOut32: NewOutputHead(rng, "conv_out32", 128, 64, n),
	}

	m.params = m.cp.Parameters()
	m.params = append(m.params, m.ffm.Parameters()...)
	m.params = append(m.params, m.convOut.Parameters()...)
	m.params = append(m.params, m.convOut16.Parameters()...)
	m.params = append(m.params, m.convOut32.Parameters()...)
	m.index = make(map[string]*Parameter, len(m.params))
	for _, p := range m.params {
		m.index[p.Name()] = p
	}
	return m, nil
}

// Config returns the model configuration.
func (m *BiSeNet) Config() Config {
	return m.cfg
}

// Parameters returns every weight and buffer in state_dict order.
func (m *BiSeNet) Parameters() []*Parameter {
	return m.params
}

// Parameter looks up a parameter by state_dict key.
func (m *BiSeNet) Parameter(name string) (*Parameter, bool) {
	p, ok := m.index[name]
	return p, ok
}

// NumParams returns the total element count of all parameters.
func (m *BiSeNet) NumParams() int64 {
	var n int64
	for _, p := range m.params {
		n += int64(p.Shape().NumElements())
	}
	return n
}

// StateDict returns the parameters keyed by name. Tensors are shared.
func (m *BiSeNet) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor, len(m.params))
	for _, p := range m.params {
		sd[p.Name()] = p.Tensor()
	}
	return sd
}

// GraphOptions controls graph emission.
type GraphOptions struct {
	// Batch is the batch dimension; Fixed(1) when zero.
	Batch graph.Dim
	// DType is the precision of inputs, outputs and weights; Float32 when zero.
	DType tensor.DataType
	// OutputNames names the main, stride-16 and stride-32 outputs.
	// StaticOutputNames when empty.
	OutputNames [3]string
}

// Graph emits the static computation graph with a copy of the current
// weights.
func (m *BiSeNet) Graph(opts GraphOptions) (*graph.Graph, error) {
	if opts.Batch == (graph.Dim{}) {
		opts.Batch = graph.Fixed(1)
	}
	if opts.OutputNames == ([3]string{}) {
		opts.OutputNames = StaticOutputNames
	}
	switch opts.DType {
	case tensor.Float32, tensor.Float16:
	default:
		return nil, fmt.Errorf("graph: unsupported precision %s", opts.DType)
	}

	size := m.cfg.InputSize
	b := graph.NewBuilder("bisenet")
	b.SetMetadata("n_classes", strconv.Itoa(m.cfg.NumClasses))
	b.SetMetadata("input_size", strconv.Itoa(size))
	b.SetMetadata("pooling", string(m.cfg.Pooling))
	for _, p := range m.params {
		b.Initializer(p.Name(), p.Tensor().Clone())
	}

	spatial := graph.Fixed(size)
	x := b.Input(InputName, tensor.Float32, opts.Batch, graph.Fixed(InputChannels), spatial, spatial)
	e := &emitter{b: b, pooling: m.cfg.Pooling}

	feat8, featCP8, featCP16 := m.cp.emit(e, x, size/SizeDivisor)
	fuse := m.ffm.emit(e, feat8, featCP8)

	heads := []struct {
		head  *OutputHead
		in    string
		scale int
	}{
		{m.convOut, fuse, 8},
		{m.convOut16, featCP8, 8},
		{m.convOut32, featCP16, 16},
	}
	for i, h := range heads {
		y := h.head.emit(e, h.in)
		s := float32(h.scale)
		b.NamedNode("", graph.OpResize, opts.OutputNames[i], []string{y},
			graph.String("coordinate_transformation_mode", "align_corners"),
			graph.String("mode", "linear"),
			graph.String("nearest_mode", "floor"),
			graph.Floats("scales", 1, 1, s, s))
		b.Output(opts.OutputNames[i], tensor.Float32, opts.Batch, graph.Fixed(m.cfg.NumClasses), spatial, spatial)
	}

	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	if opts.DType == tensor.Float16 {
		return g.WithPrecision(tensor.Float16)
	}
	return g, nil
}

// Outputs holds the three logits tensors, each [N, classes, H, W].
type Outputs struct {
	Main  *tensor.RawTensor
	Aux16 *tensor.RawTensor
	Aux32 *tensor.RawTensor
}

// Forward runs the network on x, which must be [N, 3, size, size].
// A Float16 input runs with emulated half precision and yields Float16
// outputs.
func (m *BiSeNet) Forward(ctx context.Context, x *tensor.RawTensor) (*Outputs, error) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != InputChannels || shape[2] != m.cfg.InputSize || shape[3] != m.cfg.InputSize {
		return nil, fmt.Errorf("forward: input shape %s, want (N,%d,%d,%d)", shape, InputChannels, m.cfg.InputSize, m.cfg.InputSize)
	}
	dtype := tensor.Float32
	if x.DType() == tensor.Float16 {
		dtype = tensor.Float16
	}
	g, err := m.Graph(GraphOptions{Batch: graph.Fixed(shape[0]), DType: dtype})
	if err != nil {
		return nil, err
	}
	sess, err := runtime.NewSession(g)
	if err != nil {
		return nil, err
	}
	out, err := sess.Run(ctx, map[string]*tensor.RawTensor{InputName: x})
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	return &Outputs{
		Main:  out[StaticOutputNames[0]],
		Aux16: out[StaticOutputNames[1]],
		Aux32: out[StaticOutputNames[2]],
	}, nil
}

// RandomInput returns a deterministic input in [-1, 1) for smoke tests and
// numeric comparisons.
func RandomInput(shape tensor.Shape, seed int64) *tensor.RawTensor {
	//nolint:gosec // test data
	rng := rand.New(rand.NewSource(seed))
	t := tensor.MustNewRaw(shape, tensor.Float32)
	data := t.AsFloat32()
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return t
}
