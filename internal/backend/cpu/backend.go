// Package cpu implements the float32 NCHW inference kernels used to evaluate
// BiSeNet graphs and every converted artifact.
package cpu

import (
	"fmt"

	"github.com/born-ml/faceparse/internal/parallel"
	"github.com/born-ml/faceparse/internal/tensor"
)

// CPUBackend runs inference kernels on the host CPU.
type CPUBackend struct {
	par parallel.Config
}

// New creates a new CPU backend that uses every core.
func New() *CPUBackend {
	return &CPUBackend{par: parallel.DefaultConfig()}
}

// NewWithConfig creates a CPU backend with explicit parallelism settings.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{par: cfg}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

func (cpu *CPUBackend) parForRange(n int, f func(start, end int)) {
	parallel.ForRange(n, f, cpu.par)
}

// requireFloat32 guards kernel entry points.
func requireFloat32(op string, ts ...*tensor.RawTensor) error {
	for _, t := range ts {
		if t == nil {
			continue
		}
		if t.DType() != tensor.Float32 {
			return fmt.Errorf("%s: unsupported dtype %s (kernels compute in float32)", op, t.DType())
		}
	}
	return nil
}
