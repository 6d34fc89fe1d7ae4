package config

import (
	"context"
	"fmt"

	"github.com/born-ml/faceparse/internal/accel"
	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/ctxlog"
	"github.com/born-ml/faceparse/internal/export"
)

// Outcome is the result of one executed stage. Verify is set for verify
// stages only, Result for every other kind.
type Outcome struct {
	Stage  Stage
	Result *export.Result
	Verify *export.VerifyResult
}

// Run executes the stages in order and stops at the first failure. The
// outcomes of the stages that finished are returned alongside the error.
func (f *File) Run(ctx context.Context, detector accel.Detector) ([]Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	outcomes := make([]Outcome, 0, len(f.Stages))
	for i, s := range f.Stages {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		logger.Info("running stage", "index", i+1, "total", len(f.Stages), "kind", s.Kind)
		o, err := s.run(ctx, f.Model, detector)
		if err != nil {
			if s.Range.Filename != "" {
				return outcomes, fmt.Errorf("stage %d (%s) at %s: %w", i+1, s.Kind, s.Range, err)
			}
			return outcomes, fmt.Errorf("stage %d (%s): %w", i+1, s.Kind, err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (s Stage) run(ctx context.Context, cfg bisenet.Config, detector accel.Detector) (Outcome, error) {
	o := Outcome{Stage: s}
	var err error
	switch s.Kind {
	case KindONNX:
		o.Result, err = export.CheckpointToONNX(ctx, export.ONNXOptions{
			Checkpoint: s.Checkpoint, Output: s.Output, Config: cfg, Opset: s.Opset,
		})
	case KindSavedModel:
		o.Result, err = export.ONNXToSavedModel(ctx, s.Input, s.Output)
	case KindMobile:
		o.Result, err = export.SavedModelToMobile(ctx, s.Input, s.Output, nil)
	case KindQuantize:
		o.Result, err = export.QuantizeCheckpoint(ctx, export.QuantizeOptions{
			Input: s.Input, Output: s.Output, Config: cfg, Seed: s.Seed,
		})
	case KindDeploy:
		o.Result, err = export.DeployHalf(ctx, export.DeployOptions{
			Checkpoint: s.Checkpoint, ONNX: s.ONNX, Mobile: s.Mobile, Config: cfg, Detector: detector,
		})
	case KindQuantizedMobile:
		o.Result, err = export.CheckpointToQuantizedMobile(ctx, export.QuantizedMobileOptions{
			Checkpoint: s.Checkpoint, Output: s.Output, Config: cfg, KeepScratch: s.KeepScratch,
		})
	case KindVerify:
		o.Verify, err = export.Verify(ctx, export.VerifyOptions{
			Checkpoint: s.Checkpoint, Artifact: s.Artifact, Config: cfg, Tolerance: s.Tolerance, Seed: s.Seed,
		})
	default:
		err = fmt.Errorf("unknown stage kind %q", s.Kind)
	}
	return o, err
}
