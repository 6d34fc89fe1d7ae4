package cpu

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	return cpu.binary("add", a, b, func(x, y float32) float32 { return x + y })
}

// Sub performs element-wise subtraction with NumPy-style broadcasting.
func (cpu *CPUBackend) Sub(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	return cpu.binary("sub", a, b, func(x, y float32) float32 { return x - y })
}

// Mul performs element-wise multiplication with NumPy-style broadcasting.
// The attention gates rely on [N,C,H,W] * [N,C,1,1].
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	return cpu.binary("mul", a, b, func(x, y float32) float32 { return x * y })
}

func (cpu *CPUBackend) binary(op string, a, b *tensor.RawTensor, f func(x, y float32) float32) (*tensor.RawTensor, error) {
	if err := requireFloat32(op, a, b); err != nil {
		return nil, err
	}
	outShape, needsBroadcast, err := broadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := tensor.MustNewRaw(outShape, tensor.Float32)
	av, bv, ov := a.AsFloat32(), b.AsFloat32(), out.AsFloat32()

	if !needsBroadcast {
		cpu.parForRange(len(ov), func(start, end int) {
			for i := start; i < end; i++ {
				ov[i] = f(av[i], bv[i])
			}
		})
		return out, nil
	}

	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	rank := len(outShape)
	cpu.parForRange(len(ov), func(start, end int) {
		idx := make([]int, rank)
		for i := start; i < end; i++ {
			rem := i
			for d := rank - 1; d >= 0; d-- {
				idx[d] = rem % outShape[d]
				rem /= outShape[d]
			}
			ai, bi := 0, 0
			for d := 0; d < rank; d++ {
				ai += idx[d] * aStrides[d]
				bi += idx[d] * bStrides[d]
			}
			ov[i] = f(av[ai], bv[bi])
		}
	})
	return out, nil
}

// broadcastShapes implements NumPy-style broadcasting rules.
//
// Rules:
// 1. Compare shapes element-wise from right to left
// 2. Dimensions are compatible if they are equal, or one of them is 1
// 3. Missing dimensions are treated as 1
//
// Returns the broadcasted shape and whether broadcasting is needed.
func broadcastShapes(a, b tensor.Shape) (tensor.Shape, bool, error) {
	maxLen := max(len(a), len(b))
	result := make(tensor.Shape, maxLen)
	needsBroadcast := len(a) != len(b)

	for i := 0; i < maxLen; i++ {
		aDim, bDim := 1, 1
		if j := len(a) - 1 - i; j >= 0 {
			aDim = a[j]
		}
		if j := len(b) - 1 - i; j >= 0 {
			bDim = b[j]
		}

		switch {
		case aDim == bDim:
			result[maxLen-1-i] = aDim
		case aDim == 1:
			result[maxLen-1-i] = bDim
			needsBroadcast = true
		case bDim == 1:
			result[maxLen-1-i] = aDim
			needsBroadcast = true
		default:
			return nil, false, fmt.Errorf("shapes not compatible for broadcasting: %s vs %s", a, b)
		}
	}
	return result, needsBroadcast, nil
}

// broadcastStrides returns strides of src aligned to out, with 0 on
// broadcast dimensions.
func broadcastStrides(src, out tensor.Shape) []int {
	strides := make([]int, len(out))
	offset := len(out) - len(src)
	stride := 1
	for d := len(src) - 1; d >= 0; d-- {
		if src[d] != 1 {
			strides[d+offset] = stride
		}
		stride *= src[d]
	}
	return strides
}
