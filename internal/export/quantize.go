package export

import (
	"context"
	"fmt"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/tensor"
)

// QuantizeOptions configures QuantizeCheckpoint.
type QuantizeOptions struct {
	Input  string
	Output string
	Config bisenet.Config
	// Seed drives the test inference input.
	Seed int64
}

// QuantizeCheckpoint converts a float32 checkpoint to float16, runs a test
// inference, writes it with n_classes metadata and checks that the written
// file reloads with the same class count and output shapes.
func QuantizeCheckpoint(ctx context.Context, opts QuantizeOptions) (*Result, error) {
	p := newPipeline(ctx, "quantize")
	cfg := opts.Config

	var state *checkpoint.State
	if err := p.stage("load checkpoint", func() error {
		_, s, err := checkpoint.LoadModel(opts.Input, cfg)
		if err != nil {
			return err
		}
		state = s
		p.res.SourceSize, err = checkpoint.FileSize(opts.Input)
		return err
	}); err != nil {
		return nil, err
	}

	var half *checkpoint.State
	if err := p.stage("reduce precision", func() error {
		var err error
		half, err = checkpoint.ReducePrecision(state, cfg.NumClasses)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage("test inference", func() error {
		return halfInference(p.ctx, half, cfg, opts.Seed)
	}); err != nil {
		return nil, err
	}

	if err := p.stage("write checkpoint", func() error { return checkpoint.Write(opts.Output, half) }); err != nil {
		return nil, err
	}

	if err := p.stage("verify reload", func() error {
		reloaded, n, err := checkpoint.ReadHalf(opts.Output)
		if err != nil {
			return err
		}
		if n != cfg.NumClasses {
			return fmt.Errorf("reloaded n_classes %d, want %d", n, cfg.NumClasses)
		}
		return halfInference(p.ctx, reloaded, cfg, opts.Seed)
	}); err != nil {
		return nil, err
	}

	res, err := p.finish(opts.Output)
	if err != nil {
		return nil, err
	}
	if res.SourceSize > 0 {
		res.Note("size %s -> %s (%.1f%% smaller)", FormatSize(res.SourceSize), FormatSize(res.Size),
			100*(1-float64(res.Size)/float64(res.SourceSize)))
	}
	return res, nil
}

// halfInference loads s into a fresh model and runs a float16 forward pass,
// checking all three output shapes.
func halfInference(ctx context.Context, s *checkpoint.State, cfg bisenet.Config, seed int64) error {
	m, err := bisenet.New(cfg, seed)
	if err != nil {
		return err
	}
	if err := checkpoint.LoadInto(m, s); err != nil {
		return err
	}
	x, err := tensor.ToFloat16(bisenet.RandomInput(cfg.InputShape(1), seed))
	if err != nil {
		return err
	}
	out, err := m.Forward(ctx, x)
	if err != nil {
		return err
	}
	want := cfg.OutputShape(1)
	for name, y := range map[string]*tensor.RawTensor{"output": out.Main, "aux16": out.Aux16, "aux32": out.Aux32} {
		if y == nil {
			return fmt.Errorf("test inference: missing %s", name)
		}
		if !y.Shape().Equal(want) {
			return fmt.Errorf("test inference: %s shape %s, want %s", name, y.Shape(), want)
		}
		if y.DType() != tensor.Float16 {
			return fmt.Errorf("test inference: %s is %s, want float16", name, y.DType())
		}
	}
	return nil
}
