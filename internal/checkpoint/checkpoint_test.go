package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T, seed int64) *bisenet.BiSeNet {
	t.Helper()
	m, err := bisenet.New(bisenet.Config{NumClasses: 19, InputSize: 64, Pooling: bisenet.PoolingMean}, seed)
	require.NoError(t, err)
	return m
}

func param(t *testing.T, m *bisenet.BiSeNet, name string) *tensor.RawTensor {
	t.Helper()
	p, ok := m.Parameter(name)
	require.True(t, ok, name)
	return p.Tensor()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "79999_iter.safetensors")
	src := newModel(t, 1)
	require.NoError(t, Save(path, src, nil))

	dst := newModel(t, 2)
	s, err := Read(path)
	require.NoError(t, err)
	require.NoError(t, LoadInto(dst, s))

	for _, p := range src.Parameters() {
		assert.Equal(t, p.Tensor().Data(), param(t, dst, p.Name()).Data(), p.Name())
	}
}

func TestWriteIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	m := newModel(t, 1)
	a := filepath.Join(dir, "a.safetensors")
	require.NoError(t, Save(a, m, map[string]string{"source": "test"}))
	first, err := os.ReadFile(a)
	require.NoError(t, err)

	require.NoError(t, Save(a, m, map[string]string{"source": "test"}))
	second, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadIntoMissingParameter(t *testing.T) {
	s := FromModel(newModel(t, 1))
	delete(s.Tensors, "ffm.conv1.weight")

	dst := newModel(t, 2)
	before := param(t, dst, "cp.resnet.conv1.weight").Clone()

	err := LoadInto(dst, s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingParameter)
	var lerr *LoadError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "ffm.conv1.weight", lerr.Name)

	assert.Equal(t, before.Data(), param(t, dst, "cp.resnet.conv1.weight").Data(), "nothing assigned")
}

func TestLoadIntoShapeMismatch(t *testing.T) {
	s := FromModel(newModel(t, 1))
	s.Tensors["conv_out.conv_out.weight"] = tensor.MustNewRaw(tensor.Shape{18, 256, 1, 1}, tensor.Float32)

	err := LoadInto(newModel(t, 2), s)
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Contains(t, err.Error(), "conv_out.conv_out.weight")
}

func TestLoadIntoUnexpectedParameter(t *testing.T) {
	s := FromModel(newModel(t, 1))
	s.Tensors["cp.resnet.fc.weight"] = tensor.MustNewRaw(tensor.Shape{10}, tensor.Float32)
	assert.ErrorIs(t, LoadInto(newModel(t, 2), s), ErrUnexpectedParameter)

	delete(s.Tensors, "cp.resnet.fc.weight")
	s.Tensors["cp.resnet.bn1.num_batches_tracked"] = tensor.MustNewRaw(tensor.Shape{1}, tensor.Int64)
	assert.NoError(t, LoadInto(newModel(t, 2), s))
}

func TestReducePrecision(t *testing.T) {
	dir := t.TempDir()
	src := newModel(t, 1)
	s := FromModel(src)
	s.Tensors["cp.resnet.bn1.num_batches_tracked"] = tensor.MustNewRaw(tensor.Shape{1}, tensor.Int64)

	half, err := ReducePrecision(s, 19)
	require.NoError(t, err)
	assert.Equal(t, "19", half.Metadata[MetaNumClasses])
	assert.Equal(t, "float16", half.Metadata[MetaPrecision])
	assert.Equal(t, tensor.Float16, half.Tensors["ffm.conv1.weight"].DType())
	assert.Equal(t, tensor.Int64, half.Tensors["cp.resnet.bn1.num_batches_tracked"].DType())
	assert.InDelta(t, s.ByteSize()/2, half.ByteSize(), 16)
	assert.Empty(t, s.Metadata, "input state untouched")

	path := filepath.Join(dir, "79999_iter_fp16.safetensors")
	require.NoError(t, Write(path, half))

	reloaded, n, err := ReadHalf(path)
	require.NoError(t, err)
	assert.Equal(t, 19, n)

	dst := newModel(t, 2)
	require.NoError(t, LoadInto(dst, reloaded))
	got := param(t, dst, "ffm.conv1.weight")
	assert.Equal(t, tensor.Float32, got.DType())
	diff, err := tensor.MaxAbsDiff(got, param(t, src, "ffm.conv1.weight"))
	require.NoError(t, err)
	assert.Less(t, diff, 1e-3)
}

func TestReadHalfMissingMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.safetensors")
	require.NoError(t, Save(path, newModel(t, 1), nil))

	_, _, err := ReadHalf(path)
	assert.ErrorIs(t, err, ErrMissingMetadata)

	s := &State{Metadata: map[string]string{MetaNumClasses: "x"}}
	_, err = s.NumClasses()
	assert.ErrorIs(t, err, ErrMissingMetadata)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.safetensors"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
