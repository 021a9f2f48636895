// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cuda provides the NVIDIA GPU device.
//
// Kernels are generated as CUDA C, compiled at run time with NVRTC and
// launched through the driver API. f32 matrix products use cuBLAS. The
// CUDA libraries are loaded with dlopen when the device is created, so
// binaries build and run without them; New then fails with
// tensor.ErrDevice. Builds without cgo, or for platforms other than Linux,
// always fail to create the device.
package cuda

import (
	internalcuda "github.com/born-ml/ug/internal/backend/cuda"
	"github.com/born-ml/ug/lazy"
)

// Device is an NVIDIA GPU.
type Device = internalcuda.Device

// Options configure a device.
type Options = internalcuda.Options

// Compile-time check that Device implements lazy.Device.
var _ lazy.Device = (*Device)(nil)

// New opens the default GPU with options read from the environment.
// Call Close when done to release GPU resources.
func New() (*Device, error) {
	return internalcuda.New()
}

// NewWithOptions opens a GPU with explicit options.
func NewWithOptions(opts Options) (*Device, error) {
	return internalcuda.NewWithOptions(opts)
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	return internalcuda.DefaultOptions()
}

// GenerateCUDA returns the CUDA source of a kernel lowered for grid launches.
var GenerateCUDA = internalcuda.GenerateCUDA
