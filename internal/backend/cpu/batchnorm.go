package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/faceparse/internal/tensor"
)

// BatchNorm applies inference-mode batch normalization per channel:
//
//	y = scale * (x - mean) / sqrt(var + epsilon) + bias
func (cpu *CPUBackend) BatchNorm(input, scale, bias, mean, variance *tensor.RawTensor, epsilon float32) (*tensor.RawTensor, error) {
	if err := requireFloat32("batchnorm", input, scale, bias, mean, variance); err != nil {
		return nil, err
	}
	N, C, H, W, err := input.Shape().NCHW()
	if err != nil {
		return nil, fmt.Errorf("batchnorm: %w", err)
	}
	for name, p := range map[string]*tensor.RawTensor{"scale": scale, "bias": bias, "mean": mean, "var": variance} {
		if !p.Shape().Equal(tensor.Shape{C}) {
			return nil, fmt.Errorf("batchnorm: %s has shape %s, want (%d)", name, p.Shape(), C)
		}
	}

	// Fold into a per-channel affine transform once.
	s := scale.AsFloat32()
	b := bias.AsFloat32()
	m := mean.AsFloat32()
	v := variance.AsFloat32()
	mul := make([]float32, C)
	add := make([]float32, C)
	for c := 0; c < C; c++ {
		inv := float32(1 / math.Sqrt(float64(v[c])+float64(epsilon)))
		mul[c] = s[c] * inv
		add[c] = b[c] - m[c]*mul[c]
	}

	output := tensor.MustNewRaw(input.Shape(), tensor.Float32)
	in := input.AsFloat32()
	out := output.AsFloat32()
	hw := H * W
	cpu.parForRange(N*C, func(start, end int) {
		for nc := start; nc < end; nc++ {
			c := nc % C
			src := in[nc*hw : (nc+1)*hw]
			dst := out[nc*hw : (nc+1)*hw]
			for i, x := range src {
				dst[i] = x*mul[c] + add[c]
			}
		}
	})
	return output, nil
}
