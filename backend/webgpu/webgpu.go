// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device for f32 and i32 kernels.
//
// Kernels are generated in WGSL and run through wgpu-native. The runtime
// is available on Windows; other builds return tensor.ErrDevice from New.
// Matrix products always run as generated kernels.
//
// Example:
//
//	import (
//	    "github.com/born-ml/ug/backend/cpu"
//	    "github.com/born-ml/ug/backend/webgpu"
//	    "github.com/born-ml/ug/lazy"
//	)
//
//	func main() {
//	    var dev lazy.Device
//	    if gpu, err := webgpu.New(); err == nil {
//	        dev = gpu
//	    } else {
//	        dev, _ = cpu.New()
//	    }
//	    defer dev.Close()
//	}
package webgpu

import (
	internalwebgpu "github.com/born-ml/ug/internal/backend/webgpu"
	"github.com/born-ml/ug/lazy"
)

// Device is a WebGPU adapter with its queue.
type Device = internalwebgpu.Device

// Options configure a device.
type Options = internalwebgpu.Options

// PoolStats counts buffer pool activity.
type PoolStats = internalwebgpu.PoolStats

// Compile-time check that Device implements lazy.Device.
var _ lazy.Device = (*Device)(nil)

// New opens the default high-performance adapter. Call Close when done to
// release GPU resources.
func New() (*Device, error) {
	return internalwebgpu.New()
}

// NewWithOptions opens an adapter with explicit options.
func NewWithOptions(opts Options) (*Device, error) {
	return internalwebgpu.NewWithOptions(opts)
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	return internalwebgpu.DefaultOptions()
}

// IsAvailable checks if WebGPU is available on the current system.
//
// This function attempts to initialize a WebGPU adapter to verify
// that a compatible GPU and drivers are present. It's useful for
// graceful fallback to the CPU device when no GPU is available.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

// GenerateWGSL returns the WGSL source of a kernel lowered for grid
// launches.
var GenerateWGSL = internalwebgpu.GenerateWGSL
