package cpu

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/tensor"
)

// Concat joins tensors along axis. All other dimensions must match.
func (cpu *CPUBackend) Concat(inputs []*tensor.RawTensor, axis int) (*tensor.RawTensor, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("concat: no inputs")
	}
	if err := requireFloat32("concat", inputs...); err != nil {
		return nil, err
	}
	first := inputs[0].Shape()
	rank := len(first)
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		return nil, fmt.Errorf("concat: axis %d out of range for rank %d", axis, rank)
	}

	outShape := first.Clone()
	outShape[axis] = 0
	for i, t := range inputs {
		s := t.Shape()
		if len(s) != rank {
			return nil, fmt.Errorf("concat: input %d has rank %d, want %d", i, len(s), rank)
		}
		for d := range s {
			if d != axis && s[d] != first[d] {
				return nil, fmt.Errorf("concat: input %d shape %s incompatible with %s on axis %d", i, s, first, axis)
			}
		}
		outShape[axis] += s[axis]
	}

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= first[d]
	}
	inner := 1
	for d := axis + 1; d < rank; d++ {
		inner *= first[d]
	}

	output := tensor.MustNewRaw(outShape, tensor.Float32)
	out := output.AsFloat32()
	outRow := outShape[axis] * inner
	offset := 0
	for _, t := range inputs {
		src := t.AsFloat32()
		block := t.Shape()[axis] * inner
		for o := 0; o < outer; o++ {
			copy(out[o*outRow+offset:o*outRow+offset+block], src[o*block:(o+1)*block])
		}
		offset += block
	}
	return output, nil
}
