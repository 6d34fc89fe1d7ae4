package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Resize modes and coordinate transforms, named as in ONNX Resize.
const (
	ResizeNearest = "nearest"
	ResizeLinear  = "linear"

	CoordAsymmetric       = "asymmetric"
	CoordAlignCorners     = "align_corners"
	CoordHalfPixel        = "half_pixel"
	CoordPytorchHalfPixel = "pytorch_half_pixel"

	NearestFloor            = "floor"
	NearestRoundPreferFloor = "round_prefer_floor"
)

// ResizeParams describes a spatial resize of an NCHW tensor.
// Output size is floor(input * scale) per spatial axis.
type ResizeParams struct {
	Mode        string
	CoordMode   string
	NearestMode string
	Scales      [2]float32 // H, W
}

// ResizeOutputSize returns the spatial size produced by scale.
func ResizeOutputSize(in int, scale float32) int {
	return int(math.Floor(float64(in) * float64(scale)))
}

// Resize upsamples (or downsamples) H and W.
//
// nearest + asymmetric + floor is F.interpolate(mode="nearest");
// linear + align_corners is F.interpolate(mode="bilinear", align_corners=True).
func (cpu *CPUBackend) Resize(input *tensor.RawTensor, p ResizeParams) (*tensor.RawTensor, error) {
	if err := requireFloat32("resize", input); err != nil {
		return nil, err
	}
	N, C, H, W, err := input.Shape().NCHW()
	if err != nil {
		return nil, fmt.Errorf("resize: %w", err)
	}
	if p.Scales[0] <= 0 || p.Scales[1] <= 0 {
		return nil, fmt.Errorf("resize: invalid scales %v", p.Scales)
	}
	HOut := ResizeOutputSize(H, p.Scales[0])
	WOut := ResizeOutputSize(W, p.Scales[1])
	if HOut <= 0 || WOut <= 0 {
		return nil, fmt.Errorf("resize: scales %v produce empty output from %dx%d", p.Scales, H, W)
	}

	ys := make([]float64, HOut)
	for i := range ys {
		ys[i] = sourceCoord(p.CoordMode, i, H, HOut, p.Scales[0])
	}
	xs := make([]float64, WOut)
	for i := range xs {
		xs[i] = sourceCoord(p.CoordMode, i, W, WOut, p.Scales[1])
	}

	output := tensor.MustNewRaw(tensor.Shape{N, C, HOut, WOut}, tensor.Float32)
	in := input.AsFloat32()
	out := output.AsFloat32()

	switch p.Mode {
	case ResizeNearest:
		yi := make([]int, HOut)
		for i, y := range ys {
			yi[i] = nearestIndex(p.NearestMode, y, H)
		}
		xi := make([]int, WOut)
		for i, x := range xs {
			xi[i] = nearestIndex(p.NearestMode, x, W)
		}
		cpu.parForRange(N*C, func(start, end int) {
			for nc := start; nc < end; nc++ {
				src := in[nc*H*W : (nc+1)*H*W]
				dst := out[nc*HOut*WOut : (nc+1)*HOut*WOut]
				for oh, sy := range yi {
					for ow, sx := range xi {
						dst[oh*WOut+ow] = src[sy*W+sx]
					}
				}
			}
		})
	case ResizeLinear:
		y0, y1, wy := linearTaps(ys, H)
		x0, x1, wx := linearTaps(xs, W)
		cpu.parForRange(N*C, func(start, end int) {
			for nc := start; nc < end; nc++ {
				src := in[nc*H*W : (nc+1)*H*W]
				dst := out[nc*HOut*WOut : (nc+1)*HOut*WOut]
				for oh := 0; oh < HOut; oh++ {
					top := src[y0[oh]*W:]
					bottom := src[y1[oh]*W:]
					fy := wy[oh]
					for ow := 0; ow < WOut; ow++ {
						fx := wx[ow]
						t := top[x0[ow]]*(1-fx) + top[x1[ow]]*fx
						b := bottom[x0[ow]]*(1-fx) + bottom[x1[ow]]*fx
						dst[oh*WOut+ow] = t*(1-fy) + b*fy
					}
				}
			}
		})
	default:
		return nil, fmt.Errorf("resize: unsupported mode %q", p.Mode)
	}
	return output, nil
}

// sourceCoord maps an output index back to a fractional input coordinate.
func sourceCoord(mode string, out, inSize, outSize int, scale float32) float64 {
	x := float64(out)
	s := float64(scale)
	switch mode {
	case CoordAlignCorners:
		if outSize == 1 {
			return 0
		}
		return x * float64(inSize-1) / float64(outSize-1)
	case CoordHalfPixel:
		return (x+0.5)/s - 0.5
	case CoordPytorchHalfPixel:
		if outSize == 1 {
			return 0
		}
		return (x+0.5)/s - 0.5
	default: // asymmetric
		return x / s
	}
}

func nearestIndex(mode string, x float64, size int) int {
	var i int
	if mode == NearestRoundPreferFloor {
		i = int(math.Ceil(x - 0.5))
	} else {
		i = int(math.Floor(x))
	}
	return min(max(i, 0), size-1)
}

func linearTaps(coords []float64, size int) (lo, hi []int, frac []float32) {
	lo = make([]int, len(coords))
	hi = make([]int, len(coords))
	frac = make([]float32, len(coords))
	for i, c := range coords {
		c = min(max(c, 0), float64(size-1))
		l := int(math.Floor(c))
		lo[i] = l
		hi[i] = min(l+1, size-1)
		frac[i] = float32(c - float64(l))
	}
	return lo, hi, frac
}
