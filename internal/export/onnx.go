package export

import (
	"context"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/onnx"
	"github.com/born-ml/faceparse/internal/savedmodel"
	"github.com/born-ml/faceparse/internal/tensor"
)

// ONNXOptions configures CheckpointToONNX.
type ONNXOptions struct {
	Checkpoint string
	Output     string
	Config     bisenet.Config
	// Opset defaults to StaticOpset.
	Opset int64
}

// CheckpointToONNX loads a float32 checkpoint strictly and writes a static
// batch-1 ONNX model with outputs output, output_aux1 and output_aux2.
func CheckpointToONNX(ctx context.Context, opts ONNXOptions) (*Result, error) {
	if opts.Opset == 0 {
		opts.Opset = StaticOpset
	}
	p := newPipeline(ctx, "onnx")
	if err := exportONNX(p, opts); err != nil {
		return nil, err
	}
	return p.finish(opts.Output)
}

func exportONNX(p *pipeline, opts ONNXOptions) error {
	var model *bisenet.BiSeNet
	if err := p.stage("load checkpoint", func() error {
		m, _, err := checkpoint.LoadModel(opts.Checkpoint, opts.Config)
		if err != nil {
			return err
		}
		model = m
		p.res.SourceSize, err = checkpoint.FileSize(opts.Checkpoint)
		return err
	}); err != nil {
		return err
	}

	var mp *onnx.ModelProto
	if err := p.stage("build graph", func() error {
		g, err := model.Graph(bisenet.GraphOptions{
			Batch:       graph.Fixed(1),
			DType:       tensor.Float32,
			OutputNames: bisenet.StaticOutputNames,
		})
		if err != nil {
			return err
		}
		mp, err = onnx.FromGraph(g, onnx.ExportOptions{
			Opset:           opts.Opset,
			ProducerVersion: Version,
			DocString:       "BiSeNet face parsing",
		})
		return err
	}); err != nil {
		return err
	}

	if err := p.stage("check model", func() error { return onnx.CheckModel(mp) }); err != nil {
		return err
	}
	p.res.Note("opset %d, %d nodes", opts.Opset, len(mp.Graph.Nodes))
	return p.stage("write onnx", func() error { return onnx.WriteFile(opts.Output, mp) })
}

// ONNXToSavedModel converts an ONNX file into a server bundle directory,
// replacing any existing one.
func ONNXToSavedModel(ctx context.Context, in, outDir string) (*Result, error) {
	p := newPipeline(ctx, "savedmodel")
	if err := convertONNXToBundle(p, in, outDir); err != nil {
		return nil, err
	}
	return p.finish(outDir)
}

func convertONNXToBundle(p *pipeline, in, outDir string) error {
	var mp *onnx.ModelProto
	if err := p.stage("read onnx", func() error {
		var err error
		if mp, err = onnx.ReadFile(in); err != nil {
			return err
		}
		if p.res.SourceSize == 0 {
			p.res.SourceSize, err = pathSize(in)
		}
		return err
	}); err != nil {
		return err
	}
	if err := p.stage("check model", func() error { return onnx.CheckModel(mp) }); err != nil {
		return err
	}
	var b *savedmodel.Bundle
	if err := p.stage("convert", func() error {
		var err error
		b, err = savedmodel.FromONNX(mp)
		return err
	}); err != nil {
		return err
	}
	p.res.Note("bundle id %s", b.Manifest.ID)
	return p.stage("write bundle", func() error { return b.Save(outDir) })
}
