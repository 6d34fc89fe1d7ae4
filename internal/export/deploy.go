package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/born-ml/faceparse/internal/accel"
	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/mobile"
	"github.com/born-ml/faceparse/internal/onnx"
	"github.com/born-ml/faceparse/internal/savedmodel"
	"github.com/born-ml/faceparse/internal/tensor"
)

// DeployOptions configures DeployHalf.
type DeployOptions struct {
	// Checkpoint is a precision-reduced checkpoint with n_classes metadata.
	Checkpoint string
	ONNX       string
	// Mobile is optional; when empty only the ONNX model is written.
	Mobile string
	// Config supplies input size and pooling; the class count comes from
	// the checkpoint.
	Config   bisenet.Config
	Detector accel.Detector
}

// DeployHalf exports a half-precision checkpoint to a float16 ONNX model
// with a dynamic batch dimension and, optionally, a quantized mobile file.
// It requires an accelerator and checks for one before doing any work.
func DeployHalf(ctx context.Context, opts DeployOptions) (*Result, error) {
	p := newPipeline(ctx, "deploy")

	if err := p.stage("detect accelerator", func() error {
		info, err := accel.Require(p.ctx, opts.Detector)
		if err != nil {
			return err
		}
		p.log.Info("accelerator found", "device", info.String())
		p.res.Note("accelerator %s", info)
		return nil
	}); err != nil {
		return nil, err
	}

	cfg := opts.Config
	var model *bisenet.BiSeNet
	if err := p.stage("load checkpoint", func() error {
		s, n, err := checkpoint.ReadHalf(opts.Checkpoint)
		if err != nil {
			return err
		}
		cfg.NumClasses = n
		if model, err = bisenet.New(cfg, 0); err != nil {
			return err
		}
		if err := checkpoint.LoadInto(model, s); err != nil {
			return fmt.Errorf("%s: %w", opts.Checkpoint, err)
		}
		p.res.SourceSize, err = checkpoint.FileSize(opts.Checkpoint)
		return err
	}); err != nil {
		return nil, err
	}

	var mp *onnx.ModelProto
	if err := p.stage("build graph", func() error {
		g, err := model.Graph(bisenet.GraphOptions{
			Batch:       graph.Symbolic(BatchParam),
			DType:       tensor.Float16,
			OutputNames: bisenet.DeployOutputNames,
		})
		if err != nil {
			return err
		}
		mp, err = onnx.FromGraph(g, onnx.ExportOptions{
			Opset:           DeployOpset,
			ProducerVersion: Version,
			DocString:       "BiSeNet face parsing, float16",
		})
		return err
	}); err != nil {
		return nil, err
	}
	if err := p.stage("check model", func() error { return onnx.CheckModel(mp) }); err != nil {
		return nil, err
	}
	if err := p.stage("write onnx", func() error { return onnx.WriteFile(opts.ONNX, mp) }); err != nil {
		return nil, err
	}
	p.res.Note("onnx opset %d, classes %d, dynamic %s", DeployOpset, cfg.NumClasses, BatchParam)

	if opts.Mobile == "" {
		return p.finish(opts.ONNX)
	}

	scratch, err := scratchDir(opts.Mobile, "faceparse-deploy")
	if err != nil {
		return nil, err
	}
	bundleDir := filepath.Join(scratch, "saved_model")
	if err := p.stage("write bundle", func() error {
		b, err := savedmodel.FromONNX(mp)
		if err != nil {
			return err
		}
		return b.Save(bundleDir)
	}); err != nil {
		p.log.Warn("scratch kept for inspection", "dir", scratch)
		return nil, err
	}
	if err := convertBundleToMobile(p, bundleDir, opts.Mobile, mobile.NewFloat16Converter()); err != nil {
		p.log.Warn("scratch kept for inspection", "dir", scratch)
		return nil, err
	}
	if err := p.stage("cleanup", func() error { return os.RemoveAll(scratch) }); err != nil {
		return nil, err
	}
	return p.finish(opts.Mobile)
}
