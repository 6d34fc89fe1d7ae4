// Package accel detects a GPU accelerator. Deployment to half precision
// requires one; nothing here runs kernels on it.
package accel

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoAccelerator is returned when no usable accelerator is present.
var ErrNoAccelerator = errors.New("no GPU accelerator available")

// Info describes the detected adapter.
type Info struct {
	Backend string
	Vendor  string
	Device  string
}

func (i Info) String() string {
	if i.Vendor == "" {
		return fmt.Sprintf("%s %s", i.Backend, i.Device)
	}
	return fmt.Sprintf("%s %s (%s)", i.Backend, i.Device, i.Vendor)
}

// Detector reports whether an accelerator is available.
type Detector interface {
	Detect(ctx context.Context) (Info, error)
}

// Require queries d and wraps any failure in ErrNoAccelerator.
func Require(ctx context.Context, d Detector) (Info, error) {
	if d == nil {
		return Info{}, fmt.Errorf("%w: no detector configured", ErrNoAccelerator)
	}
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	info, err := d.Detect(ctx)
	if err != nil {
		if errors.Is(err, ErrNoAccelerator) {
			return Info{}, err
		}
		return Info{}, fmt.Errorf("%w: %v", ErrNoAccelerator, err)
	}
	return info, nil
}

// Static is a Detector with a fixed answer.
type Static struct {
	Info Info
	Err  error
}

// Detect returns the fixed answer.
func (s Static) Detect(context.Context) (Info, error) {
	return s.Info, s.Err
}
