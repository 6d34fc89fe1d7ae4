package onnx

import (
	"fmt"
	"io"
	"os"

	"github.com/born-ml/faceparse/internal/runtime"
	"github.com/born-ml/faceparse/internal/serialization"
)

// ReadFile parses an .onnx file.
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read onnx: %w", err)
	}
	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// WriteFile serializes m to path, replacing any existing file atomically.
func WriteFile(path string, m *ModelProto) error {
	data := Marshal(m)
	return serialization.WriteFileAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Load reads and checks an .onnx file and compiles it for execution.
func Load(path string, opts ...runtime.Option) (*runtime.Session, error) {
	m, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := CheckModel(m); err != nil {
		return nil, err
	}
	g, err := ToGraph(m)
	if err != nil {
		return nil, err
	}
	return runtime.NewSession(g, opts...)
}
