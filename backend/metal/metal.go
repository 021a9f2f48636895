// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package metal provides the Apple GPU device.
//
// Kernels are generated in the Metal Shading Language and compiled by the
// Metal framework. f32 and f16 matrix products use Metal Performance
// Shaders. Builds without cgo, or for platforms other than macOS, always
// fail to create the device with tensor.ErrDevice.
package metal

import (
	internalmetal "github.com/born-ml/ug/internal/backend/metal"
	"github.com/born-ml/ug/lazy"
)

// Device is an Apple GPU.
type Device = internalmetal.Device

// Options configure a device.
type Options = internalmetal.Options

// Compile-time check that Device implements lazy.Device.
var _ lazy.Device = (*Device)(nil)

// New opens the default GPU with options read from the environment.
// Call Close when done to release GPU resources.
func New() (*Device, error) {
	return internalmetal.New()
}

// NewWithOptions opens a GPU with explicit options.
func NewWithOptions(opts Options) (*Device, error) {
	return internalmetal.NewWithOptions(opts)
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	return internalmetal.DefaultOptions()
}

// GenerateMSL returns the Metal Shading Language source of a kernel lowered for grid launches.
var GenerateMSL = internalmetal.GenerateMSL
