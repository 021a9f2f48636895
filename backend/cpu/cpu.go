// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/ug/internal/backend/cpu"
	"github.com/born-ml/ug/lazy"
)

// Device is the CPU execution context.
type Device = internalcpu.Device

// Options configure a CPU device.
type Options = internalcpu.Options

// Compile-time check that Device implements lazy.Device.
var _ lazy.Device = (*Device)(nil)

// New creates a CPU device configured from the environment
// (UG_CPU_NATIVE, UG_CC, UG_KERNEL_DUMP, UG_NUM_THREADS).
//
// Example:
//
//	dev, err := cpu.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//	x, _ := lazy.FromHost(dev, []float32{1, 2, 3}, tensor.Shape{3})
func New() (*Device, error) {
	return internalcpu.New()
}

// NewWithOptions creates a CPU device with explicit options.
func NewWithOptions(opts Options) (*Device, error) {
	return internalcpu.NewWithOptions(opts)
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	return internalcpu.DefaultOptions()
}

// GenerateC returns the C source of a lowered kernel.
var GenerateC = internalcpu.GenerateC
