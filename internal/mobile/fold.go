package mobile

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/born-ml/faceparse/internal/savedmodel"
	"github.com/born-ml/faceparse/internal/tensor"
)

// foldBatchNorm folds every FusedBatchNormV3 fed only by a Conv2D into that
// convolution's weight and bias. The convolution takes over the batch
// norm's output name, so consumers are unchanged. b is not modified.
func foldBatchNorm(b *savedmodel.Bundle) ([]savedmodel.NodeDef, map[string]*tensor.RawTensor, int, error) {
	nodes := slices.Clone(b.Def.Nodes)
	vars := maps.Clone(b.Variables)

	consumers := make(map[string]int)
	producer := make(map[string]int)
	for i, nd := range nodes {
		for _, in := range nd.Inputs {
			consumers[in]++
		}
		for _, out := range nd.Outputs {
			producer[out] = i
		}
	}
	for _, out := range b.Manifest.Signature.Outputs {
		consumers[out.Name]++
	}
	single := func(name string) bool { return consumers[name] == 1 }

	drop := make([]bool, len(nodes))
	var bnInputs []string
	for i, bn := range nodes {
		if bn.Op != savedmodel.OpFusedBatchNormV3 || len(bn.Inputs) != 5 || len(bn.Outputs) != 1 {
			continue
		}
		ci, ok := producer[bn.Inputs[0]]
		if !ok {
			continue
		}
		conv := nodes[ci]
		if conv.Op != savedmodel.OpConv2D || len(conv.Outputs) != 1 || !single(conv.Outputs[0]) || !single(conv.Inputs[1]) {
			continue
		}
		biasName := bn.Inputs[2]
		if len(conv.Inputs) == 3 {
			biasName = conv.Inputs[2]
		}
		if !single(biasName) {
			continue
		}
		w, bias, err := foldedParams(conv, bn, vars)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("fold %q into %q: %w", bn.Name, conv.Name, err)
		}
		if w == nil {
			continue
		}
		vars[conv.Inputs[1]] = w
		vars[biasName] = bias
		conv.Inputs = []string{conv.Inputs[0], conv.Inputs[1], biasName}
		conv.Outputs = []string{bn.Outputs[0]}
		nodes[ci] = conv
		drop[i] = true
		bnInputs = append(bnInputs, bn.Inputs[1:]...)
	}

	out := make([]savedmodel.NodeDef, 0, len(nodes))
	used := make(map[string]bool)
	for i, nd := range nodes {
		if drop[i] {
			continue
		}
		out = append(out, nd)
		for _, in := range nd.Inputs {
			used[in] = true
		}
	}
	for _, name := range bnInputs {
		if !used[name] {
			delete(vars, name)
		}
	}
	return out, vars, len(nodes) - len(out), nil
}

// foldedParams returns the convolution weight and bias with the batch norm
// applied, in the weight's precision. It returns nil when a parameter is not
// a stored variable.
func foldedParams(conv, bn savedmodel.NodeDef, vars map[string]*tensor.RawTensor) (*tensor.RawTensor, *tensor.RawTensor, error) {
	params := make([]*tensor.RawTensor, 4)
	for j, name := range bn.Inputs[1:] {
		t, ok := vars[name]
		if !ok {
			return nil, nil, nil
		}
		wide, err := tensor.ToFloat32(t)
		if err != nil {
			return nil, nil, err
		}
		params[j] = wide
	}
	orig, ok := vars[conv.Inputs[1]]
	if !ok {
		return nil, nil, nil
	}
	w, err := tensor.ToFloat32(orig)
	if err != nil {
		return nil, nil, err
	}
	co := w.Shape()[0]
	for j, p := range params {
		if p.NumElements() != co {
			return nil, nil, fmt.Errorf("batch norm input %d has %d elements, want %d", j+1, p.NumElements(), co)
		}
	}
	bias := tensor.MustNewRaw(tensor.Shape{co}, tensor.Float32)
	if len(conv.Inputs) == 3 {
		cb, ok := vars[conv.Inputs[2]]
		if !ok {
			return nil, nil, nil
		}
		if bias, err = tensor.ToFloat32(cb); err != nil {
			return nil, nil, err
		}
	}

	eps := float64(bn.Attrs.Float("epsilon", 1e-5))
	scale, shift, mean, variance := params[0].AsFloat32(), params[1].AsFloat32(), params[2].AsFloat32(), params[3].AsFloat32()
	wv, bv := w.AsFloat32(), bias.AsFloat32()
	per := len(wv) / co
	for c := 0; c < co; c++ {
		mul := float32(float64(scale[c]) / math.Sqrt(float64(variance[c])+eps))
		for k := c * per; k < (c+1)*per; k++ {
			wv[k] *= mul
		}
		bv[c] = (bv[c]-mean[c])*mul + shift[c]
	}

	if orig.DType() == tensor.Float16 {
		if w, err = tensor.ToFloat16(w); err != nil {
			return nil, nil, err
		}
		if bias, err = tensor.ToFloat16(bias); err != nil {
			return nil, nil, err
		}
	}
	return w, bias, nil
}
