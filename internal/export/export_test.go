package export

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/born-ml/faceparse/internal/accel"
	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/checkpoint"
	"github.com/born-ml/faceparse/internal/mobile"
	"github.com/born-ml/faceparse/internal/onnx"
	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() bisenet.Config {
	return bisenet.Config{NumClasses: 5, InputSize: 64, Pooling: bisenet.PoolingMean}
}

func writeCheckpoint(t *testing.T, dir string, seed int64) string {
	t.Helper()
	m, err := bisenet.New(testConfig(), seed)
	require.NoError(t, err)
	path := filepath.Join(dir, "model.safetensors")
	require.NoError(t, checkpoint.Save(path, m, nil))
	return path
}

func maxAbs(t *testing.T, x *tensor.RawTensor) float64 {
	t.Helper()
	var m float64
	for _, v := range x.AsFloat32() {
		m = math.Max(m, math.Abs(float64(v)))
	}
	return m
}

func referenceMax(t *testing.T, ckpt string) float64 {
	t.Helper()
	m, _, err := checkpoint.LoadModel(ckpt, testConfig())
	require.NoError(t, err)
	out, err := m.Forward(context.Background(), bisenet.RandomInput(testConfig().InputShape(1), 0))
	require.NoError(t, err)
	return maxAbs(t, out.Main)
}

type recorder struct {
	stages []string
	done   int
}

func (r *recorder) Stage(name string) { r.stages = append(r.stages, name) }
func (r *recorder) Done()             { r.done++ }

func TestFloat32Chain(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 1)
	ctx := context.Background()

	onnxPath := filepath.Join(dir, "model.onnx")
	res, err := CheckpointToONNX(ctx, ONNXOptions{Checkpoint: ckpt, Output: onnxPath, Config: testConfig()})
	require.NoError(t, err)
	assert.Equal(t, onnxPath, res.Output)
	assert.Positive(t, res.Size)
	assert.Positive(t, res.SourceSize)

	m, err := onnx.ReadFile(onnxPath)
	require.NoError(t, err)
	assert.Equal(t, []onnx.OperatorSetID{{Version: StaticOpset}}, m.OpsetImport)
	var outs []string
	for _, o := range m.Graph.Outputs {
		outs = append(outs, o.Name)
	}
	assert.Equal(t, bisenet.StaticOutputNames[:], outs)

	bundleDir := filepath.Join(dir, "saved_model")
	_, err = ONNXToSavedModel(ctx, onnxPath, bundleDir)
	require.NoError(t, err)

	mobilePath := filepath.Join(dir, "model.fpmb")
	res, err = SavedModelToMobile(ctx, bundleDir, mobilePath, nil)
	require.NoError(t, err)
	assert.True(t, slices.ContainsFunc(res.Notes, func(n string) bool { return strings.HasPrefix(n, "strategy 0") }),
		"folded batch norms convert on builtins alone: %v", res.Notes)

	for _, artefact := range []string{onnxPath, bundleDir, mobilePath} {
		vr, err := Verify(ctx, VerifyOptions{Checkpoint: ckpt, Artifact: artefact, Config: testConfig()})
		require.NoError(t, err, artefact)
		assert.Less(t, vr.MaxAbsDiff, DefaultTolerance, artefact)
		assert.False(t, vr.HalfInput)
	}
}

// readOutput returns the bytes of a file, or of every file under a directory
// keyed by relative path.
func readOutput(t *testing.T, path string) map[string][]byte {
	t.Helper()
	files := map[string][]byte{}
	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, files)
	return files
}

func TestRerunIsByteIdentical(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 9)
	ctx := context.Background()
	onnxPath := filepath.Join(dir, "model.onnx")
	bundleDir := filepath.Join(dir, "saved_model")

	tests := []struct {
		name   string
		output string
		run    func() error
	}{
		{"onnx", onnxPath, func() error {
			_, err := CheckpointToONNX(ctx, ONNXOptions{Checkpoint: ckpt, Output: onnxPath, Config: testConfig()})
			return err
		}},
		{"savedmodel", bundleDir, func() error {
			_, err := ONNXToSavedModel(ctx, onnxPath, bundleDir)
			return err
		}},
		{"mobile", filepath.Join(dir, "model.fpmb"), func() error {
			_, err := SavedModelToMobile(ctx, bundleDir, filepath.Join(dir, "model.fpmb"), nil)
			return err
		}},
		{"quantize", filepath.Join(dir, "half.safetensors"), func() error {
			_, err := QuantizeCheckpoint(ctx, QuantizeOptions{Input: ckpt, Output: filepath.Join(dir, "half.safetensors"), Config: testConfig()})
			return err
		}},
		{"quantized mobile", filepath.Join(dir, "q", "model_fp16.fpmb"), func() error {
			_, err := CheckpointToQuantizedMobile(ctx, QuantizedMobileOptions{Checkpoint: ckpt, Output: filepath.Join(dir, "q", "model_fp16.fpmb"), Config: testConfig()})
			return err
		}},
	}
	// Cases run in order: savedmodel reads the onnx output, mobile the bundle.
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.run())
			first := readOutput(t, tc.output)
			require.NoError(t, tc.run())
			require.Equal(t, first, readOutput(t, tc.output))
		})
	}
}

func TestCheckpointToQuantizedMobile(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 2)
	out := filepath.Join(dir, "out", "model_fp16.fpmb")

	rec := &recorder{}
	ctx := WithReporter(context.Background(), rec)
	res, err := CheckpointToQuantizedMobile(ctx, QuantizedMobileOptions{Checkpoint: ckpt, Output: out, Config: testConfig()})
	require.NoError(t, err)
	assert.Equal(t, out, res.Output)
	assert.Contains(t, rec.stages, "check model")
	assert.Equal(t, "cleanup", rec.stages[len(rec.stages)-1])

	entries, err := os.ReadDir(filepath.Dir(out))
	require.NoError(t, err)
	require.Len(t, entries, 1, "scratch directory removed")
	assert.Equal(t, "model_fp16.fpmb", entries[0].Name())

	m, err := mobile.Load(out)
	require.NoError(t, err)
	assert.True(t, m.Quantized())
	assert.False(t, m.UsesSelectOps())

	vr, err := Verify(context.Background(), VerifyOptions{Checkpoint: ckpt, Artifact: out, Config: testConfig(), Tolerance: math.MaxFloat64})
	require.NoError(t, err)
	assert.Less(t, vr.MaxAbsDiff, 0.05*referenceMax(t, ckpt))
}

func TestQuantizeCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 3)
	out := filepath.Join(dir, "model_fp16.safetensors")

	res, err := QuantizeCheckpoint(context.Background(), QuantizeOptions{Input: ckpt, Output: out, Config: testConfig()})
	require.NoError(t, err)
	assert.Less(t, res.Size, res.SourceSize)
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[len(res.Notes)-1], "smaller")

	s, n, err := checkpoint.ReadHalf(out)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, tensor.Float16, s.Tensors["conv_out.conv_out.weight"].DType())

	vr, err := Verify(context.Background(), VerifyOptions{Checkpoint: ckpt, Artifact: out, Config: testConfig(), Tolerance: math.MaxFloat64})
	require.NoError(t, err)
	assert.True(t, vr.HalfInput)
	assert.Less(t, vr.MaxAbsDiff, 0.05*referenceMax(t, ckpt))

	// Re-running overwrites.
	_, err = QuantizeCheckpoint(context.Background(), QuantizeOptions{Input: ckpt, Output: out, Config: testConfig()})
	require.NoError(t, err)
}

func TestQuantizeRejectsIncompleteCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 4)
	s, err := checkpoint.Read(ckpt)
	require.NoError(t, err)
	delete(s.Tensors, "ffm.convblk.bn.running_var")
	require.NoError(t, checkpoint.Write(ckpt, s))

	out := filepath.Join(dir, "half.safetensors")
	_, err = QuantizeCheckpoint(context.Background(), QuantizeOptions{Input: ckpt, Output: out, Config: testConfig()})
	require.ErrorIs(t, err, checkpoint.ErrMissingParameter)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "load checkpoint", se.Stage)
	assert.NoFileExists(t, out)
}

func TestDeployHalfRequiresAccelerator(t *testing.T) {
	dir := t.TempDir()
	opts := DeployOptions{
		Checkpoint: filepath.Join(dir, "does-not-exist.safetensors"),
		ONNX:       filepath.Join(dir, "model.onnx"),
		Mobile:     filepath.Join(dir, "model.fpmb"),
		Config:     testConfig(),
		Detector:   accel.Static{Err: errors.New("no adapter")},
	}
	_, err := DeployHalf(context.Background(), opts)
	require.ErrorIs(t, err, accel.ErrNoAccelerator)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing written before the accelerator check")
}

func TestDeployHalf(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 5)
	half := filepath.Join(dir, "half.safetensors")
	_, err := QuantizeCheckpoint(context.Background(), QuantizeOptions{Input: ckpt, Output: half, Config: testConfig()})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.NumClasses = 99 // taken from the checkpoint metadata instead
	cfg.Pooling = bisenet.PoolingAdaptive
	opts := DeployOptions{
		Checkpoint: half,
		ONNX:       filepath.Join(dir, "deploy", "model_fp16.onnx"),
		Mobile:     filepath.Join(dir, "deploy", "model_fp16.fpmb"),
		Config:     cfg,
		Detector:   accel.Static{Info: accel.Info{Backend: "test", Device: "fake"}},
	}
	res, err := DeployHalf(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, opts.Mobile, res.Output)

	m, err := onnx.ReadFile(opts.ONNX)
	require.NoError(t, err)
	require.NoError(t, onnx.CheckModel(m))
	assert.Equal(t, []onnx.OperatorSetID{{Version: DeployOpset}}, m.OpsetImport)
	in := m.Graph.Inputs[0].Type.TensorType
	assert.Equal(t, int32(onnx.TensorProtoFloat16), in.ElemType)
	assert.Equal(t, BatchParam, in.Shape.Dims[0].DimParam)
	var outs []string
	for _, o := range m.Graph.Outputs {
		outs = append(outs, o.Name)
		assert.Equal(t, BatchParam, o.Type.TensorType.Shape.Dims[0].DimParam)
		assert.Equal(t, int64(5), o.Type.TensorType.Shape.Dims[1].DimValue)
	}
	assert.Equal(t, bisenet.DeployOutputNames[:], outs)

	entries, err := os.ReadDir(filepath.Join(dir, "deploy"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "scratch bundle removed")

	vr, err := Verify(context.Background(), VerifyOptions{Checkpoint: ckpt, Artifact: opts.ONNX, Config: testConfig(), Tolerance: math.MaxFloat64})
	require.NoError(t, err)
	assert.True(t, vr.HalfInput)
	assert.Less(t, vr.MaxAbsDiff, 0.05*referenceMax(t, ckpt))
}

func TestVerifyMismatch(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 6)
	other := filepath.Join(dir, "other")
	require.NoError(t, os.Mkdir(other, 0o755))
	otherCkpt := writeCheckpoint(t, other, 7)

	onnxPath := filepath.Join(dir, "other.onnx")
	_, err := CheckpointToONNX(context.Background(), ONNXOptions{Checkpoint: otherCkpt, Output: onnxPath, Config: testConfig()})
	require.NoError(t, err)

	vr, err := Verify(context.Background(), VerifyOptions{Checkpoint: ckpt, Artifact: onnxPath, Config: testConfig()})
	require.ErrorIs(t, err, ErrMismatch)
	require.NotNil(t, vr)
	assert.Greater(t, vr.MaxAbsDiff, DefaultTolerance)
}

func TestDetectKind(t *testing.T) {
	dir := t.TempDir()
	files := map[string]Kind{"a.onnx": KindONNX, "b.fpmb": KindMobile, "c.tflite": KindMobile, "d.safetensors": KindCheckpoint}
	for name, want := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		got, err := DetectKind(path)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	k, err := DetectKind(dir)
	require.NoError(t, err)
	assert.Equal(t, KindSavedModel, k)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.bin"), nil, 0o644))
	_, err = DetectKind(filepath.Join(dir, "x.bin"))
	require.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	dir := t.TempDir()
	ckpt := writeCheckpoint(t, dir, 8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CheckpointToONNX(ctx, ONNXOptions{Checkpoint: ckpt, Output: filepath.Join(dir, "x.onnx"), Config: testConfig()})
	require.ErrorIs(t, err, context.Canceled)
}
