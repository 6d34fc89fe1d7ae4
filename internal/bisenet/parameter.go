package bisenet

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Parameter is a named weight or buffer of the model.
//
// Names follow the PyTorch state_dict of the reference network, for example
// "cp.resnet.layer1.0.conv1.weight" or "ffm.convblk.bn.running_var".
type Parameter struct {
	name   string
	tensor *tensor.RawTensor
	buffer bool
}

func newParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{name: name, tensor: t}
}

func newBuffer(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{name: name, tensor: t, buffer: true}
}

// Name returns the state_dict key.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the float32 value.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}

// Shape returns the parameter shape.
func (p *Parameter) Shape() tensor.Shape {
	return p.tensor.Shape()
}

// IsBuffer reports whether this is a running statistic rather than a
// trainable weight.
func (p *Parameter) IsBuffer() bool {
	return p.buffer
}

// Set replaces the value. The shape must match; float16 values are widened.
func (p *Parameter) Set(t *tensor.RawTensor) error {
	if !t.Shape().Equal(p.tensor.Shape()) {
		return fmt.Errorf("%s: shape %s, want %s", p.name, t.Shape(), p.tensor.Shape())
	}
	v, err := tensor.ToFloat32(t)
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	p.tensor = v
	return nil
}

// kaimingUniform fills a conv weight [out, in, kh, kw] from
// U(-b, b) with b = sqrt(3 / fan_in), the a=1 Kaiming gain.
func kaimingUniform(rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t := tensor.MustNewRaw(shape, tensor.Float32)
	fanIn := shape[1] * shape[2] * shape[3]
	bound := math.Sqrt(3.0 / float64(fanIn))
	data := t.AsFloat32()
	for i := range data {
		//nolint:gosec // weight initialization, not security-critical
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

func filled(n int, v float32) *tensor.RawTensor {
	t := tensor.MustNewRaw(tensor.Shape{n}, tensor.Float32)
	data := t.AsFloat32()
	for i := range data {
		data[i] = v
	}
	return t
}
