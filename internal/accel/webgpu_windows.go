//go:build windows

package accel

import (
	"context"
	"fmt"

	"github.com/go-webgpu/webgpu/wgpu"
)

// WebGPU looks for a high-performance WebGPU adapter.
type WebGPU struct{}

// Detect requests an adapter and releases it. A missing wgpu_native library
// panics inside the bindings; that is reported as ErrNoAccelerator.
func (WebGPU) Detect(ctx context.Context) (info Info, err error) {
	defer func() {
		if r := recover(); r != nil {
			info, err = Info{}, fmt.Errorf("%w: webgpu native library not available: %v", ErrNoAccelerator, r)
		}
	}()
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return Info{}, fmt.Errorf("%w: webgpu: %v", ErrNoAccelerator, err)
	}
	defer adapter.Release()

	ai := adapter.GetInfo()
	return Info{
		Backend: fmt.Sprintf("webgpu/%v", ai.BackendType),
		Vendor:  ai.Vendor,
		Device:  ai.Device,
	}, nil
}
