package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/graph"
	"github.com/born-ml/faceparse/internal/mobile"
	"github.com/born-ml/faceparse/internal/onnx"
	"github.com/born-ml/faceparse/internal/runtime"
	"github.com/born-ml/faceparse/internal/savedmodel"
	"github.com/born-ml/faceparse/internal/tensor"
)

// Kind identifies an artefact format.
type Kind string

// Artefact kinds.
const (
	KindCheckpoint Kind = "checkpoint"
	KindONNX       Kind = "onnx"
	KindSavedModel Kind = "savedmodel"
	KindMobile     Kind = "mobile"
)

// DefaultTolerance is the max abs diff accepted for float32 artefacts.
const DefaultTolerance = 1e-3

// DetectKind guesses the artefact kind from path: directories are server
// bundles, otherwise the file extension decides.
func DetectKind(path string) (Kind, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return KindSavedModel, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".onnx":
		return KindONNX, nil
	case ".fpmb", ".tflite":
		return KindMobile, nil
	case ".safetensors":
		return KindCheckpoint, nil
	}
	return "", fmt.Errorf("cannot tell artefact kind of %s", path)
}

// VerifyOptions configures Verify.
type VerifyOptions struct {
	// Checkpoint is the float32 reference checkpoint.
	Checkpoint string
	Artifact   string
	// Kind is detected from Artifact when empty.
	Kind   Kind
	Config bisenet.Config
	// Tolerance defaults to DefaultTolerance.
	Tolerance float64
	Seed      int64
}

// VerifyResult reports the comparison of main outputs.
type VerifyResult struct {
	Kind       Kind
	MaxAbsDiff float64
	Tolerance  float64
	HalfInput  bool
}

// Verify runs the reference model and the artefact on the same fixed-seed
// input and compares the main outputs.
func Verify(ctx context.Context, opts VerifyOptions) (*VerifyResult, error) {
	if opts.Tolerance == 0 {
		opts.Tolerance = DefaultTolerance
	}
	if opts.Kind == "" {
		k, err := DetectKind(opts.Artifact)
		if err != nil {
			return nil, err
		}
		opts.Kind = k
	}
	p := newPipeline(ctx, "verify")
	res := &VerifyResult{Kind: opts.Kind, Tolerance: opts.Tolerance}
	x := bisenet.RandomInput(opts.Config.InputShape(1), opts.Seed)

	var want *tensor.RawTensor
	if err := p.stage("reference", func() error {
		m, _, err := checkpoint.LoadModel(opts.Checkpoint, opts.Config)
		if err != nil {
			return err
		}
		out, err := m.Forward(p.ctx, x)
		if err != nil {
			return err
		}
		want = out.Main
		return nil
	}); err != nil {
		return nil, err
	}

	var got *tensor.RawTensor
	if err := p.stage("artifact", func() error {
		var err error
		got, res.HalfInput, err = runArtifact(p.ctx, opts, x)
		return err
	}); err != nil {
		return nil, err
	}

	if err := p.stage("compare", func() error {
		wide, err := tensor.ToFloat32(got)
		if err != nil {
			return err
		}
		res.MaxAbsDiff, err = tensor.MaxAbsDiff(want, wide)
		return err
	}); err != nil {
		return nil, err
	}
	p.rep.Done()
	p.log.Info("verify finished", "kind", opts.Kind, "max_abs_diff", res.MaxAbsDiff, "tolerance", opts.Tolerance)
	if res.MaxAbsDiff > opts.Tolerance {
		return res, fmt.Errorf("%w: max abs diff %g > %g", ErrMismatch, res.MaxAbsDiff, opts.Tolerance)
	}
	return res, nil
}

func runArtifact(ctx context.Context, opts VerifyOptions, x *tensor.RawTensor) (*tensor.RawTensor, bool, error) {
	if opts.Kind == KindCheckpoint {
		s, err := checkpoint.Read(opts.Artifact)
		if err != nil {
			return nil, false, err
		}
		cfg := opts.Config
		if n, err := s.NumClasses(); err == nil {
			cfg.NumClasses = n
		}
		m, err := bisenet.New(cfg, 0)
		if err != nil {
			return nil, false, err
		}
		if err := checkpoint.LoadInto(m, s); err != nil {
			return nil, false, err
		}
		half := s.Metadata[checkpoint.MetaPrecision] == tensor.Float16.String()
		in := x
		if half {
			if in, err = tensor.ToFloat16(x); err != nil {
				return nil, false, err
			}
		}
		out, err := m.Forward(ctx, in)
		if err != nil {
			return nil, false, err
		}
		return out.Main, half, nil
	}

	g, err := artifactGraph(opts.Kind, opts.Artifact)
	if err != nil {
		return nil, false, err
	}
	sess, err := runtime.NewSession(g)
	if err != nil {
		return nil, false, err
	}
	if len(g.Inputs) != 1 || len(g.Outputs) == 0 {
		return nil, false, fmt.Errorf("artefact has %d inputs and %d outputs", len(g.Inputs), len(g.Outputs))
	}
	in := x
	half := g.Inputs[0].DType == tensor.Float16
	if half {
		if in, err = tensor.ToFloat16(x); err != nil {
			return nil, false, err
		}
	}
	out, err := sess.Run(ctx, map[string]*tensor.RawTensor{g.Inputs[0].Name: in})
	if err != nil {
		return nil, false, err
	}
	return out[g.Outputs[0].Name], half, nil
}

func artifactGraph(kind Kind, path string) (*graph.Graph, error) {
	switch kind {
	case KindONNX:
		m, err := onnx.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := onnx.CheckModel(m); err != nil {
			return nil, err
		}
		return onnx.ToGraph(m)
	case KindSavedModel:
		b, err := savedmodel.Load(path)
		if err != nil {
			return nil, err
		}
		return b.Graph()
	case KindMobile:
		m, err := mobile.Load(path)
		if err != nil {
			return nil, err
		}
		return m.Graph()
	default:
		return nil, fmt.Errorf("unknown artefact kind %q", kind)
	}
}
