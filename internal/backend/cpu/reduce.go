package cpu

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/tensor"
)

// SpatialMean averages every [H, W] plane: torch.mean(x, dim=(2, 3)) and
// adaptive_avg_pool2d(x, 1) both reduce to this.
// With keepDims the result is [N, C, 1, 1], otherwise [N, C].
func (cpu *CPUBackend) SpatialMean(input *tensor.RawTensor, keepDims bool) (*tensor.RawTensor, error) {
	if err := requireFloat32("mean", input); err != nil {
		return nil, err
	}
	N, C, H, W, err := input.Shape().NCHW()
	if err != nil {
		return nil, fmt.Errorf("mean: %w", err)
	}
	shape := tensor.Shape{N, C}
	if keepDims {
		shape = tensor.Shape{N, C, 1, 1}
	}
	output := tensor.MustNewRaw(shape, tensor.Float32)
	in := input.AsFloat32()
	out := output.AsFloat32()
	hw := H * W
	for nc := 0; nc < N*C; nc++ {
		var sum float64
		for _, v := range in[nc*hw : (nc+1)*hw] {
			sum += float64(v)
		}
		out[nc] = float32(sum / float64(hw))
	}
	return output, nil
}
