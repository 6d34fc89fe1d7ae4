package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/faceparse/internal/accel"
	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/export"
	"github.com/hashicorp/hcl/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineSrc = `
model {
  classes    = 19
  input_size = 512
  pooling    = "adaptive"
}

stage "quantize" {
  input  = "79999_iter.safetensors"
  output = "${var.out}/79999_iter_fp16.safetensors"
  seed   = 3
}

stage "deploy" {
  checkpoint = "${var.out}/79999_iter_fp16.safetensors"
  onnx       = "${env.FACEPARSE_DEPLOY_DIR}/model_fp16.onnx"
}

stage "verify" {
  checkpoint = "79999_iter.safetensors"
  artifact   = "${var.out}/model.onnx"
  tolerance  = 0.01
}
`

func TestParse(t *testing.T) {
	t.Setenv("FACEPARSE_DEPLOY_DIR", "/srv/models")
	f, err := Parse([]byte(pipelineSrc), "pipeline.hcl", map[string]string{"out": "build"})
	require.NoError(t, err)

	assert.Equal(t, bisenet.Config{NumClasses: 19, InputSize: 512, Pooling: bisenet.PoolingAdaptive}, f.Model)
	require.Len(t, f.Stages, 3)

	q := f.Stages[0]
	assert.Equal(t, KindQuantize, q.Kind)
	assert.Equal(t, "build/79999_iter_fp16.safetensors", q.Output)
	assert.Equal(t, int64(3), q.Seed)
	assert.Equal(t, "pipeline.hcl", q.Range.Filename)
	assert.Equal(t, 8, q.Range.Start.Line)

	d := f.Stages[1]
	assert.Equal(t, "/srv/models/model_fp16.onnx", d.ONNX)
	assert.Empty(t, d.Mobile)

	assert.InDelta(t, 0.01, f.Stages[2].Tolerance, 1e-12)
}

func TestParseModelDefaults(t *testing.T) {
	f, err := Parse([]byte(`stage "onnx" {
  checkpoint = "a.safetensors"
  output     = "a.onnx"
}`), "p.hcl", nil)
	require.NoError(t, err)
	assert.Equal(t, bisenet.DefaultConfig(), f.Model)
	assert.Zero(t, f.Stages[0].Opset)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name    string
		src     string
		summary string
	}{
		{"unknown kind", "stage \"tflite\" {\n}\n", "Unknown stage kind"},
		{"missing attribute", "stage \"quantize\" {\n  input = \"a\"\n}\n", "Missing required argument"},
		{"unsupported attribute", "stage \"mobile\" {\n  input = \"a\"\n  output = \"b\"\n  opset = 13\n}\n", "Unsupported argument"},
		{"duplicate model", "model {\n}\nmodel {\n}\n", "Duplicate model block"},
		{"invalid model", "model {\n  pooling = \"max\"\n}\n", "Invalid model"},
		{"undefined variable", "stage \"savedmodel\" {\n  input = var.missing\n  output = \"b\"\n}\n", "Unsupported attribute"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.src), "bad.hcl", nil)
			require.Error(t, err)
			var diags hcl.Diagnostics
			require.ErrorAs(t, err, &diags)
			require.True(t, diags.HasErrors())
			assert.Equal(t, tc.summary, diags[0].Summary)
			require.NotNil(t, diags[0].Subject)
			assert.Equal(t, "bad.hcl", diags[0].Subject.Filename)
		})
	}
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse([]byte("stage \"onnx\" {"), "bad.hcl", nil)
	var diags hcl.Diagnostics
	require.ErrorAs(t, err, &diags)
	assert.True(t, diags.HasErrors())
}

func TestUnknownKindPointsAtLabel(t *testing.T) {
	_, err := Parse([]byte("\n\nstage \"tflite\" {\n}\n"), "bad.hcl", nil)
	var diags hcl.Diagnostics
	require.ErrorAs(t, err, &diags)
	assert.Equal(t, 3, diags[0].Subject.Start.Line)
	assert.Equal(t, 7, diags[0].Subject.Start.Column)
	assert.Contains(t, diags[0].Detail, "quantized_mobile")
}

func TestEvalContextSkipsInvalidNames(t *testing.T) {
	ctx := EvalContext(nil, []string{"HOME=/root", "=C:=C:\\", "1BAD=x", "NOEQUALS"})
	env := ctx.Variables["env"].AsValueMap()
	assert.Len(t, env, 1)
	assert.Equal(t, "/root", env["HOME"].AsString())
}

func TestDefault(t *testing.T) {
	f := Default()
	assert.Equal(t, bisenet.DefaultConfig(), f.Model)
	var kinds []string
	for _, s := range f.Stages {
		kinds = append(kinds, s.Kind)
	}
	assert.Equal(t, []string{KindQuantize, KindDeploy, KindQuantizedMobile}, kinds)
	assert.Equal(t, "79999_iter.safetensors", f.Stages[0].Input)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.hcl"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	cfg := bisenet.Config{NumClasses: 3, InputSize: 64, Pooling: bisenet.PoolingMean}
	m, err := bisenet.New(cfg, 1)
	require.NoError(t, err)
	ckpt := filepath.Join(dir, "model.safetensors")
	require.NoError(t, checkpoint.Save(ckpt, m, nil))

	src := `
model {
  classes    = 3
  input_size = 64
}
stage "onnx" {
  checkpoint = "${var.dir}/model.safetensors"
  output     = "${var.dir}/model.onnx"
}
stage "verify" {
  checkpoint = "${var.dir}/model.safetensors"
  artifact   = "${var.dir}/model.onnx"
}
stage "deploy" {
  checkpoint = "${var.dir}/model.safetensors"
  onnx       = "${var.dir}/deploy.onnx"
}
`
	path := filepath.Join(dir, "pipeline.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	f, err := Load(path, map[string]string{"dir": dir})
	require.NoError(t, err)

	outcomes, err := f.Run(context.Background(), accel.Static{Err: accel.ErrNoAccelerator})
	require.ErrorIs(t, err, accel.ErrNoAccelerator)
	assert.Contains(t, err.Error(), "stage 3 (deploy)")
	require.Len(t, outcomes, 2)
	assert.FileExists(t, outcomes[0].Result.Output)
	require.NotNil(t, outcomes[1].Verify)
	assert.Equal(t, export.KindONNX, outcomes[1].Verify.Kind)
	assert.Less(t, outcomes[1].Verify.MaxAbsDiff, export.DefaultTolerance)
	assert.NoFileExists(t, filepath.Join(dir, "deploy.onnx"))
}
