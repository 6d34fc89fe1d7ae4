package cpu

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Conv2DParams holds the geometry of a 2D convolution.
// Pads are [top, left, bottom, right], the ONNX order.
type Conv2DParams struct {
	Strides   [2]int
	Pads      [4]int
	Dilations [2]int
	Group     int
}

// DefaultConv2DParams is stride 1, no padding, no dilation.
func DefaultConv2DParams() Conv2DParams {
	return Conv2DParams{Strides: [2]int{1, 1}, Dilations: [2]int{1, 1}, Group: 1}
}

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape: [out_channels] (optional, may be nil)
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm: Im2col
//  1. Transform the input patches of one image into a [C*K_h*K_w, H_out*W_out] matrix
//  2. Treat the kernel as a [C_out, C*K_h*K_w] matrix
//  3. Multiply, accumulating rows so the inner loop is contiguous
//
// Output channels are split across goroutines.
func (cpu *CPUBackend) Conv2D(input, kernel, bias *tensor.RawTensor, p Conv2DParams) (*tensor.RawTensor, error) {
	if err := requireFloat32("conv2d", input, kernel, bias); err != nil {
		return nil, err
	}
	N, CIn, H, W, err := input.Shape().NCHW()
	if err != nil {
		return nil, fmt.Errorf("conv2d: input: %w", err)
	}
	COut, CInK, KH, KW, err := kernel.Shape().NCHW()
	if err != nil {
		return nil, fmt.Errorf("conv2d: kernel: %w", err)
	}
	if p.Group != 1 {
		return nil, fmt.Errorf("conv2d: group=%d not supported", p.Group)
	}
	if CIn != CInK {
		return nil, fmt.Errorf("conv2d: input channels %d != kernel channels %d", CIn, CInK)
	}
	if bias != nil && (len(bias.Shape()) != 1 || bias.Shape()[0] != COut) {
		return nil, fmt.Errorf("conv2d: bias shape %s does not match %d output channels", bias.Shape(), COut)
	}
	sh, sw := p.Strides[0], p.Strides[1]
	dh, dw := p.Dilations[0], p.Dilations[1]
	if sh <= 0 || sw <= 0 || dh <= 0 || dw <= 0 {
		return nil, fmt.Errorf("conv2d: invalid strides %v or dilations %v", p.Strides, p.Dilations)
	}

	// out = (H + pad_top + pad_bottom - dilation*(K-1) - 1) / stride + 1
	HOut := (H+p.Pads[0]+p.Pads[2]-dh*(KH-1)-1)/sh + 1
	WOut := (W+p.Pads[1]+p.Pads[3]-dw*(KW-1)-1)/sw + 1
	if HOut <= 0 || WOut <= 0 {
		return nil, fmt.Errorf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut)
	}

	output, err := tensor.NewRaw(tensor.Shape{N, COut, HOut, WOut}, tensor.Float32)
	if err != nil {
		return nil, fmt.Errorf("conv2d: %w", err)
	}

	inputData := input.AsFloat32()
	kernelData := kernel.AsFloat32()
	outputData := output.AsFloat32()
	var biasData []float32
	if bias != nil {
		biasData = bias.AsFloat32()
	}

	colRows := CIn * KH * KW
	colCols := HOut * WOut
	col := make([]float32, colRows*colCols)

	for n := 0; n < N; n++ {
		img := inputData[n*CIn*H*W : (n+1)*CIn*H*W]
		im2colFloat32(col, img, CIn, H, W, KH, KW, HOut, WOut, p)

		out := outputData[n*COut*colCols : (n+1)*COut*colCols]
		cpu.parForRange(COut, func(start, end int) {
			for co := start; co < end; co++ {
				row := out[co*colCols : (co+1)*colCols]
				if biasData != nil {
					b := biasData[co]
					for i := range row {
						row[i] = b
					}
				}
				weights := kernelData[co*colRows : (co+1)*colRows]
				for k, wv := range weights {
					if wv == 0 {
						continue
					}
					src := col[k*colCols : (k+1)*colCols]
					for i, v := range src {
						row[i] += wv * v
					}
				}
			}
		})
	}

	return output, nil
}

// im2colFloat32 lays out one image as a [C*K_h*K_w, H_out*W_out] matrix.
// Out-of-bounds taps read zero (padding).
func im2colFloat32(col, img []float32, C, H, W, KH, KW, HOut, WOut int, p Conv2DParams) {
	colCols := HOut * WOut
	for c := 0; c < C; c++ {
		plane := img[c*H*W : (c+1)*H*W]
		for kh := 0; kh < KH; kh++ {
			for kw := 0; kw < KW; kw++ {
				row := col[((c*KH+kh)*KW+kw)*colCols:]
				idx := 0
				for oh := 0; oh < HOut; oh++ {
					h := oh*p.Strides[0] - p.Pads[0] + kh*p.Dilations[0]
					for ow := 0; ow < WOut; ow++ {
						w := ow*p.Strides[1] - p.Pads[1] + kw*p.Dilations[1]
						if h >= 0 && h < H && w >= 0 && w < W {
							row[idx] = plane[h*W+w]
						} else {
							row[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}
