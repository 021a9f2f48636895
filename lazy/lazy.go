// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package lazy builds deferred tensor computations and runs them as fused
// kernels.
//
// Building a graph never touches device memory. Realize schedules the
// graph into kernels, compiles them once per device and runs them:
//
//	dev, err := cpu.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	a, _ := lazy.FromHost(dev, []float32{1, 2, 3, 4}, tensor.Shape{4})
//	b, _ := a.Exp()
//	c, _ := a.Add(b)         // exp and add fuse into one kernel
//	vals, err := lazy.ToVec[float32](c)
//
// Pointwise operations fuse with each other and into the prologue of a
// reduction. Reductions and matrix products always materialize their
// results.
package lazy

import (
	"context"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/tensor"
)

// Buffer is a lazily computed tensor.
type Buffer = lazy.Buffer

// Device executes kernels and owns memory.
type Device = device.Device

// Slice is device memory holding elements of one dtype.
type Slice = device.Slice

// Schedule is an ordered plan realizing a set of buffers. It runs once.
type Schedule = lazy.Schedule

// Item is one step of a Schedule.
type Item = lazy.Item

// Schedule items.
type (
	CopyItem   = lazy.CopyItem
	KernelItem = lazy.KernelItem
	MatMulItem = lazy.MatMulItem
)

// Options tune scheduling.
type Options = lazy.Options

// MatMulMode selects how matrix products are executed.
type MatMulMode = lazy.MatMulMode

// Matrix product modes.
const (
	MatMulLibrary MatMulMode = lazy.MatMulLibrary
	MatMulKernel  MatMulMode = lazy.MatMulKernel
)

// ErrScheduleConsumed is returned when a Schedule is run a second time.
var ErrScheduleConsumed = lazy.ErrScheduleConsumed

// DefaultOptions reads the options from the environment (UG_MATMUL).
func DefaultOptions() Options {
	return lazy.DefaultOptions()
}

// Const returns a buffer of shape filled with value.
func Const(dev Device, value tensor.Const, shape tensor.Shape) (*Buffer, error) {
	return lazy.Const(dev, value, shape)
}

// FromHost returns a buffer initialized from a copy of data.
func FromHost[T tensor.WithDType](dev Device, data []T, shape tensor.Shape) (*Buffer, error) {
	return lazy.FromHost(dev, data, shape)
}

// FromSlice wraps existing contiguous device memory.
func FromSlice(s Slice, shape tensor.Shape) (*Buffer, error) {
	return lazy.FromSlice(s, shape)
}

// Create plans the realization of roots without running anything.
func Create(opts Options, roots ...*Buffer) (*Schedule, error) {
	return lazy.Create(opts, roots...)
}

// Realize computes bufs with the default options. Realized buffers are
// left alone.
func Realize(bufs ...*Buffer) error {
	return lazy.Realize(bufs...)
}

// RealizeWith computes bufs with explicit options.
func RealizeWith(ctx context.Context, opts Options, bufs ...*Buffer) error {
	return lazy.RealizeWith(ctx, opts, bufs...)
}

// ToVec realizes b and copies its elements to the host.
func ToVec[T tensor.WithDType](b *Buffer) ([]T, error) {
	return lazy.ToVec[T](b)
}
