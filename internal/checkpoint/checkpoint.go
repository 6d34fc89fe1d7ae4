// Package checkpoint reads and writes native model checkpoints (SafeTensors
// files keyed by state_dict names) and restores them into a model.
package checkpoint

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/born-ml/faceparse/internal/bisenet"
	"github.com/born-ml/faceparse/internal/serialization"
	"github.com/born-ml/faceparse/internal/tensor"
)

// Metadata keys written by ReducePrecision.
const (
	MetaNumClasses = "n_classes"
	MetaPrecision  = "precision"
)

// State is a checkpoint's tensors and metadata.
type State struct {
	Tensors  map[string]*tensor.RawTensor
	Metadata map[string]string
}

// ParameterSet is anything exposing named parameters, normally a
// *bisenet.BiSeNet.
type ParameterSet interface {
	Parameters() []*bisenet.Parameter
}

// FromModel snapshots the current parameters of m.
func FromModel(m ParameterSet) *State {
	s := &State{Tensors: make(map[string]*tensor.RawTensor), Metadata: make(map[string]string)}
	for _, p := range m.Parameters() {
		s.Tensors[p.Name()] = p.Tensor().Clone()
	}
	return s
}

// Names returns tensor names in sorted order.
func (s *State) Names() []string {
	return slices.Sorted(maps.Keys(s.Tensors))
}

// ByteSize returns the total tensor payload size.
func (s *State) ByteSize() int64 {
	var n int64
	for _, t := range s.Tensors {
		n += int64(t.ByteSize())
	}
	return n
}

// Read loads a checkpoint file.
func Read(path string) (*State, error) {
	tensors, metadata, err := serialization.ReadSafeTensors(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &State{Tensors: tensors, Metadata: metadata}, nil
}

// Write stores s at path. The file is replaced atomically and the bytes
// depend only on the contents of s.
func Write(path string, s *State) error {
	if err := serialization.WriteSafeTensors(path, s.Tensors, s.Metadata); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", path, err)
	}
	return nil
}

// Save writes the current parameters of m to path.
func Save(path string, m ParameterSet, metadata map[string]string) error {
	s := FromModel(m)
	maps.Copy(s.Metadata, metadata)
	return Write(path, s)
}

// ignoredSuffixes are state_dict entries with no model counterpart.
var ignoredSuffixes = []string{".num_batches_tracked"}

func ignored(name string) bool {
	for _, suffix := range ignoredSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// LoadInto restores s into m. Every model parameter must be present with
// the same shape and no unknown keys may remain. Nothing is assigned unless
// the whole set validates. Half precision tensors are widened.
func LoadInto(m ParameterSet, s *State) error {
	params := m.Parameters()
	known := make(map[string]bool, len(params))
	var errs []error
	for _, p := range params {
		known[p.Name()] = true
		t, ok := s.Tensors[p.Name()]
		if !ok {
			errs = append(errs, &LoadError{Name: p.Name(), Err: ErrMissingParameter})
			continue
		}
		if !t.Shape().Equal(p.Shape()) {
			errs = append(errs, &LoadError{
				Name:    p.Name(),
				Details: fmt.Sprintf("checkpoint %s, model %s", t.Shape(), p.Shape()),
				Err:     ErrShapeMismatch,
			})
			continue
		}
		if !t.DType().IsFloat() {
			errs = append(errs, &LoadError{Name: p.Name(), Details: "dtype " + t.DType().String(), Err: ErrShapeMismatch})
		}
	}
	for _, name := range s.Names() {
		if !known[name] && !ignored(name) {
			errs = append(errs, &LoadError{Name: name, Err: ErrUnexpectedParameter})
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("load checkpoint: %w", errors.Join(errs...))
	}

	for _, p := range params {
		if err := p.Set(s.Tensors[p.Name()]); err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
	}
	return nil
}

// LoadModel reads path and builds a model from it.
func LoadModel(path string, cfg bisenet.Config) (*bisenet.BiSeNet, *State, error) {
	s, err := Read(path)
	if err != nil {
		return nil, nil, err
	}
	m, err := bisenet.New(cfg, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := LoadInto(m, s); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, s, nil
}

// ReducePrecision returns a float16 copy of s carrying the class count.
// Non-float tensors (such as num_batches_tracked) are kept as they are.
func ReducePrecision(s *State, numClasses int) (*State, error) {
	out := &State{
		Tensors:  make(map[string]*tensor.RawTensor, len(s.Tensors)),
		Metadata: maps.Clone(s.Metadata),
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	for name, t := range s.Tensors {
		if !t.DType().IsFloat() {
			out.Tensors[name] = t.Clone()
			continue
		}
		h, err := tensor.ToFloat16(t)
		if err != nil {
			return nil, fmt.Errorf("reduce precision %s: %w", name, err)
		}
		out.Tensors[name] = h
	}
	out.Metadata[MetaNumClasses] = strconv.Itoa(numClasses)
	out.Metadata[MetaPrecision] = tensor.Float16.String()
	return out, nil
}

// NumClasses decodes the n_classes metadata record.
func (s *State) NumClasses() (int, error) {
	v, ok := s.Metadata[MetaNumClasses]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingMetadata, MetaNumClasses)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a positive integer", ErrMissingMetadata, MetaNumClasses, v)
	}
	return n, nil
}

// ReadHalf reads a precision-reduced checkpoint and its class count.
func ReadHalf(path string) (*State, int, error) {
	s, err := Read(path)
	if err != nil {
		return nil, 0, err
	}
	n, err := s.NumClasses()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return s, n, nil
}

// FileSize returns the size of path in bytes.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
