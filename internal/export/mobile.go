package export

import (
	"context"
	"os"
	"path/filepath"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/mobile"
	"github.com/born-ml/faceparse/internal/savedmodel"
)

// SavedModelToMobile converts a server bundle into a mobile file using conv,
// or a plain two-tier converter when conv is nil.
func SavedModelToMobile(ctx context.Context, inDir, out string, conv *mobile.Converter) (*Result, error) {
	if conv == nil {
		conv = mobile.NewConverter()
	}
	p := newPipeline(ctx, "mobile")
	if err := convertBundleToMobile(p, inDir, out, conv); err != nil {
		return nil, err
	}
	return p.finish(out)
}

func convertBundleToMobile(p *pipeline, inDir, out string, conv *mobile.Converter) error {
	var b *savedmodel.Bundle
	if err := p.stage("read bundle", func() error {
		var err error
		if b, err = savedmodel.Load(inDir); err != nil {
			return err
		}
		if p.res.SourceSize == 0 {
			p.res.SourceSize, err = pathSize(inDir)
		}
		return err
	}); err != nil {
		return err
	}
	var c *mobile.Conversion
	if err := p.stage("convert", func() error {
		var err error
		c, err = conv.Convert(p.ctx, b)
		return err
	}); err != nil {
		return err
	}
	p.res.Note("strategy %d %v, %d batch norms folded, quantized=%t", c.Tier, c.Strategy, c.Folded, c.Model.Quantized())
	return p.stage("write mobile", func() error { return c.Model.Write(out) })
}

// QuantizedMobileOptions configures CheckpointToQuantizedMobile.
type QuantizedMobileOptions struct {
	Checkpoint string
	Output     string
	Config     bisenet.Config
	// Converter defaults to mobile.NewFloat16Converter.
	Converter *mobile.Converter
	// KeepScratch leaves the intermediate ONNX file and bundle in place.
	KeepScratch bool
}

// CheckpointToQuantizedMobile runs checkpoint -> ONNX -> server bundle ->
// float16 mobile file through a scratch directory next to the output. The
// scratch directory is removed on success and kept on failure.
func CheckpointToQuantizedMobile(ctx context.Context, opts QuantizedMobileOptions) (*Result, error) {
	if opts.Converter == nil {
		opts.Converter = mobile.NewFloat16Converter()
	}
	p := newPipeline(ctx, "quantized_mobile")
	scratch, err := scratchDir(opts.Output, "faceparse-scratch")
	if err != nil {
		return nil, err
	}
	onnxPath := filepath.Join(scratch, "model.onnx")
	bundleDir := filepath.Join(scratch, "saved_model")

	err = exportONNX(p, ONNXOptions{Checkpoint: opts.Checkpoint, Output: onnxPath, Config: opts.Config, Opset: StaticOpset})
	if err == nil {
		err = convertONNXToBundle(p, onnxPath, bundleDir)
	}
	if err == nil {
		err = convertBundleToMobile(p, bundleDir, opts.Output, opts.Converter)
	}
	if err != nil {
		p.log.Warn("scratch kept for inspection", "dir", scratch)
		return nil, err
	}

	if !opts.KeepScratch {
		if err := p.stage("cleanup", func() error { return os.RemoveAll(scratch) }); err != nil {
			return nil, err
		}
	}
	return p.finish(opts.Output)
}
