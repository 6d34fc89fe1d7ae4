package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ToFloat16 narrows a floating point tensor to half precision.
// Values outside the float16 range saturate to +/-Inf, like torch.half().
func ToFloat16(t *RawTensor) (*RawTensor, error) {
	switch t.dtype {
	case Float16:
		return t.Clone(), nil
	case Float32, Float64:
	default:
		return nil, fmt.Errorf("cannot convert %s to float16", t.dtype)
	}
	src, err := ToFloat32(t)
	if err != nil {
		return nil, err
	}
	out := MustNewRaw(t.shape, Float16)
	bits := out.AsUint16()
	for i, v := range src.AsFloat32() {
		bits[i] = float16.Fromfloat32(v).Bits()
	}
	return out, nil
}

// ToFloat32 widens (or copies) a floating point tensor to float32.
func ToFloat32(t *RawTensor) (*RawTensor, error) {
	out := MustNewRaw(t.shape, Float32)
	dst := out.AsFloat32()
	switch t.dtype {
	case Float32:
		copy(dst, t.AsFloat32())
	case Float16:
		for i, b := range t.AsUint16() {
			dst[i] = float16.Frombits(b).Float32()
		}
	case Float64:
		for i, v := range t.AsFloat64() {
			dst[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("cannot convert %s to float32", t.dtype)
	}
	return out, nil
}

// ConvertFloat converts a floating point tensor to the requested float type.
func ConvertFloat(t *RawTensor, dtype DataType) (*RawTensor, error) {
	switch dtype {
	case Float32:
		return ToFloat32(t)
	case Float16:
		return ToFloat16(t)
	default:
		return nil, fmt.Errorf("unsupported float target %s", dtype)
	}
}

// RoundToHalf rounds every value to the nearest float16 in place.
// The CPU kernels compute in float32; this emulates fp16 storage between ops.
func RoundToHalf(values []float32) {
	for i, v := range values {
		values[i] = float16.Fromfloat32(v).Float32()
	}
}

// MaxAbsDiff returns max |a-b| over two float tensors of the same shape.
// NaN anywhere yields +Inf.
func MaxAbsDiff(a, b *RawTensor) (float64, error) {
	if !a.shape.Equal(b.shape) {
		return 0, fmt.Errorf("shape mismatch: %s vs %s", a.shape, b.shape)
	}
	af, err := ToFloat32(a)
	if err != nil {
		return 0, err
	}
	bf, err := ToFloat32(b)
	if err != nil {
		return 0, err
	}
	bv := bf.AsFloat32()
	var maxDiff float64
	for i, v := range af.AsFloat32() {
		d := math.Abs(float64(v) - float64(bv[i]))
		if math.IsNaN(d) {
			return math.Inf(1), nil
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	return maxDiff, nil
}
