package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Pool2DParams holds the geometry of a pooling window.
// Pads are [top, left, bottom, right].
type Pool2DParams struct {
	Kernel  [2]int
	Strides [2]int
	Pads    [4]int
}

// MaxPool2D performs 2D max pooling.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where:
//
//	out_height = (height + pad_top + pad_bottom - kernel_h) / stride_h + 1
//
// Padded positions never win the max (they behave as -Inf), matching
// torch.nn.MaxPool2d(kernel_size=3, stride=2, padding=1) in the ResNet stem.
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, p Pool2DParams) (*tensor.RawTensor, error) {
	if err := requireFloat32("maxpool2d", input); err != nil {
		return nil, err
	}
	N, C, H, W, err := input.Shape().NCHW()
	if err != nil {
		return nil, fmt.Errorf("maxpool2d: %w", err)
	}
	KH, KW := p.Kernel[0], p.Kernel[1]
	SH, SW := p.Strides[0], p.Strides[1]
	if KH <= 0 || KW <= 0 {
		return nil, fmt.Errorf("maxpool2d: invalid kernel size %v", p.Kernel)
	}
	if SH <= 0 || SW <= 0 {
		return nil, fmt.Errorf("maxpool2d: invalid stride %v", p.Strides)
	}

	HOut := (H+p.Pads[0]+p.Pads[2]-KH)/SH + 1
	WOut := (W+p.Pads[1]+p.Pads[3]-KW)/SW + 1
	if HOut <= 0 || WOut <= 0 {
		return nil, fmt.Errorf("maxpool2d: invalid output dimensions %dx%d (kernel=%v, stride=%v, input=%dx%d)",
			HOut, WOut, p.Kernel, p.Strides, H, W)
	}

	output, err := tensor.NewRaw(tensor.Shape{N, C, HOut, WOut}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("maxpool2d: %w", err)
	}
	in := input.AsFloat32()
	out := output.AsFloat32()

	cpu.parForRange(N*C, func(start, end int) {
		for nc := start; nc < end; nc++ {
			plane := in[nc*H*W : (nc+1)*H*W]
			dst := out[nc*HOut*WOut : (nc+1)*HOut*WOut]
			for oh := 0; oh < HOut; oh++ {
				h0 := oh*SH - p.Pads[0]
				for ow := 0; ow < WOut; ow++ {
					w0 := ow*SW - p.Pads[1]
					best := float32(math.Inf(-1))
					for kh := 0; kh < KH; kh++ {
						h := h0 + kh
						if h < 0 || h >= H {
							continue
						}
						for kw := 0; kw < KW; kw++ {
							w := w0 + kw
							if w < 0 || w >= W {
								continue
							}
							if v := plane[h*W+w]; v > best {
								best = v
							}
						}
					}
					dst[oh*WOut+ow] = best
				}
			}
		}
	})

	return output, nil
}
