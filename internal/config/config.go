// Package config decodes HCL pipeline files describing a model and an
// ordered list of export stages.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Stage kinds.
const (
	KindONNX            = "onnx"
	KindSavedModel      = "savedmodel"
	KindMobile          = "mobile"
	KindQuantize        = "quantize"
	KindDeploy          = "deploy"
	KindQuantizedMobile = "quantized_mobile"
	KindVerify          = "verify"
)

// File is a decoded pipeline.
type File struct {
	Model  bisenet.Config
	Stages []Stage
}

// Stage is one export step. Which fields are set depends on Kind.
type Stage struct {
	Kind       string
	Checkpoint string
	Input      string
	Output     string
	ONNX       string
	Mobile     string
	Artifact   string
	Opset      int64
	Tolerance  float64
	Seed       int64
	// KeepScratch applies to quantized_mobile.
	KeepScratch bool
	Range       hcl.Range
}

// Default returns the pipeline the project has always run: reduce the
// stock checkpoint to half precision, deploy it, and build the float16
// mobile file.
func Default() *File {
	return &File{
		Model: bisenet.DefaultConfig(),
		Stages: []Stage{
			{Kind: KindQuantize, Input: "79999_iter.safetensors", Output: "output/79999_iter_fp16.safetensors"},
			{Kind: KindDeploy, Checkpoint: "output/79999_iter_fp16.safetensors", ONNX: "output/79999_iter_fp16.onnx"},
			{Kind: KindQuantizedMobile, Checkpoint: "79999_iter.safetensors", Output: "output/79999_iter_fp16.fpmb"},
		},
	}
}

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "model"},
		{Type: "stage", LabelNames: []string{"kind"}},
	},
}

type modelBlock struct {
	Classes   *int    `hcl:"classes,optional"`
	InputSize *int    `hcl:"input_size,optional"`
	Pooling   *string `hcl:"pooling,optional"`
}

// stageBody is implemented by the per-kind decode targets.
type stageBody interface {
	stage() Stage
}

type onnxBody struct {
	Checkpoint string `hcl:"checkpoint"`
	Output     string `hcl:"output"`
	Opset      *int64 `hcl:"opset,optional"`
}

func (b *onnxBody) stage() Stage {
	s := Stage{Kind: KindONNX, Checkpoint: b.Checkpoint, Output: b.Output}
	if b.Opset != nil {
		s.Opset = *b.Opset
	}
	return s
}

type convertBody struct {
	kind   string
	Input  string `hcl:"input"`
	Output string `hcl:"output"`
}

func (b *convertBody) stage() Stage {
	return Stage{Kind: b.kind, Input: b.Input, Output: b.Output}
}

type quantizeBody struct {
	Input  string `hcl:"input"`
	Output string `hcl:"output"`
	Seed   *int64 `hcl:"seed,optional"`
}

func (b *quantizeBody) stage() Stage {
	s := Stage{Kind: KindQuantize, Input: b.Input, Output: b.Output}
	if b.Seed != nil {
		s.Seed = *b.Seed
	}
	return s
}

type deployBody struct {
	Checkpoint string  `hcl:"checkpoint"`
	ONNX       string  `hcl:"onnx"`
	Mobile     *string `hcl:"mobile,optional"`
}

func (b *deployBody) stage() Stage {
	s := Stage{Kind: KindDeploy, Checkpoint: b.Checkpoint, ONNX: b.ONNX}
	if b.Mobile != nil {
		s.Mobile = *b.Mobile
	}
	return s
}

type quantizedMobileBody struct {
	Checkpoint  string `hcl:"checkpoint"`
	Output      string `hcl:"output"`
	KeepScratch *bool  `hcl:"keep_scratch,optional"`
}

func (b *quantizedMobileBody) stage() Stage {
	s := Stage{Kind: KindQuantizedMobile, Checkpoint: b.Checkpoint, Output: b.Output}
	if b.KeepScratch != nil {
		s.KeepScratch = *b.KeepScratch
	}
	return s
}

type verifyBody struct {
	Checkpoint string   `hcl:"checkpoint"`
	Artifact   string   `hcl:"artifact"`
	Tolerance  *float64 `hcl:"tolerance,optional"`
	Seed       *int64   `hcl:"seed,optional"`
}

func (b *verifyBody) stage() Stage {
	s := Stage{Kind: KindVerify, Checkpoint: b.Checkpoint, Artifact: b.Artifact}
	if b.Tolerance != nil {
		s.Tolerance = *b.Tolerance
	}
	if b.Seed != nil {
		s.Seed = *b.Seed
	}
	return s
}

var stageKinds = map[string]func() stageBody{
	KindONNX:            func() stageBody { return &onnxBody{} },
	KindSavedModel:      func() stageBody { return &convertBody{kind: KindSavedModel} },
	KindMobile:          func() stageBody { return &convertBody{kind: KindMobile} },
	KindQuantize:        func() stageBody { return &quantizeBody{} },
	KindDeploy:          func() stageBody { return &deployBody{} },
	KindQuantizedMobile: func() stageBody { return &quantizedMobileBody{} },
	KindVerify:          func() stageBody { return &verifyBody{} },
}

// Kinds returns the supported stage kinds, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(stageKinds))
	for k := range stageKinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Load parses and decodes the pipeline file at path. vars are exposed to
// expressions as var.<name>; the process environment as env.<name>.
func Load(path string, vars map[string]string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(src, path, vars)
}

// Parse decodes pipeline source. filename is used in diagnostics only.
func Parse(src []byte, filename string, vars map[string]string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diags
	}
	out, diags := decode(f.Body, EvalContext(vars, os.Environ()))
	if diags.HasErrors() {
		return nil, diags
	}
	return out, nil
}

// EvalContext builds the variables available to pipeline expressions.
// environ uses the KEY=value form of os.Environ.
func EvalContext(vars map[string]string, environ []string) *hcl.EvalContext {
	varVals := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		varVals[k] = cty.StringVal(v)
	}
	envVals := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclIdentifier(k) {
			continue
		}
		envVals[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{
		"var": cty.ObjectVal(varVals),
		"env": cty.ObjectVal(envVals),
	}}
}

func hclIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

func decode(body hcl.Body, ctx *hcl.EvalContext) (*File, hcl.Diagnostics) {
	content, diags := body.Content(rootSchema)
	if diags.HasErrors() {
		return nil, diags
	}

	out := &File{Model: bisenet.DefaultConfig()}
	var seenModel *hcl.Block
	for _, block := range content.Blocks {
		switch block.Type {
		case "model":
			if seenModel != nil {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Duplicate model block",
					Detail:   fmt.Sprintf("A model block was already defined at %s.", seenModel.DefRange),
					Subject:  block.DefRange.Ptr(),
				})
				continue
			}
			seenModel = block
			diags = append(diags, decodeModel(block, ctx, &out.Model)...)
		case "stage":
			s, stageDiags := decodeStage(block, ctx)
			diags = append(diags, stageDiags...)
			if !stageDiags.HasErrors() {
				out.Stages = append(out.Stages, s)
			}
		}
	}
	return out, diags
}

func decodeModel(block *hcl.Block, ctx *hcl.EvalContext, cfg *bisenet.Config) hcl.Diagnostics {
	var m modelBlock
	diags := gohcl.DecodeBody(block.Body, ctx, &m)
	if diags.HasErrors() {
		return diags
	}
	if m.Classes != nil {
		cfg.NumClasses = *m.Classes
	}
	if m.InputSize != nil {
		cfg.InputSize = *m.InputSize
	}
	if m.Pooling != nil {
		cfg.Pooling = bisenet.Pooling(*m.Pooling)
	}
	if err := cfg.Validate(); err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid model",
			Detail:   err.Error(),
			Subject:  block.DefRange.Ptr(),
		})
	}
	return diags
}

func decodeStage(block *hcl.Block, ctx *hcl.EvalContext) (Stage, hcl.Diagnostics) {
	kind := block.Labels[0]
	newBody, ok := stageKinds[kind]
	if !ok {
		return Stage{}, hcl.Diagnostics{{
			Severity: hcl.DiagError,
			Summary:  "Unknown stage kind",
			Detail:   fmt.Sprintf("Stage kind %q is not supported; expected one of %s.", kind, strings.Join(Kinds(), ", ")),
			Subject:  block.LabelRanges[0].Ptr(),
		}}
	}
	b := newBody()
	diags := gohcl.DecodeBody(block.Body, ctx, b)
	if diags.HasErrors() {
		return Stage{}, diags
	}
	s := b.stage()
	s.Range = block.DefRange
	return s, diags
}
