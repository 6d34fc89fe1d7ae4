//go:build !windows

package accel

import (
	"context"
	"fmt"
	"runtime"
)

// WebGPU looks for a WebGPU adapter. The bindings are only built on
// windows; elsewhere detection always fails.
type WebGPU struct{}

// Detect reports ErrNoAccelerator.
func (WebGPU) Detect(context.Context) (Info, error) {
	return Info{}, fmt.Errorf("%w: webgpu bindings unavailable on %s", ErrNoAccelerator, runtime.GOOS)
}
