// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the CPU device.
//
// # Overview
//
// Kernels are generated as C source. By default they run in the reference
// interpreter, which needs no toolchain. With UG_CPU_NATIVE=1 and a cgo
// build, each kernel is compiled with the system C compiler (UG_CC) into a
// shared object and loaded with dlopen.
//
// Matrix products of f32 use gonum BLAS; f16 and bf16 go through float64
// staging, and integer products use a parallel loop.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/ug/backend/cpu"
//	    "github.com/born-ml/ug/lazy"
//	    "github.com/born-ml/ug/tensor"
//	)
//
//	func main() {
//	    dev, err := cpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer dev.Close()
//
//	    a, _ := lazy.FromHost(dev, []float32{1, 2, 3}, tensor.Shape{3})
//	    b, _ := a.Exp()
//	    vals, _ := lazy.ToVec[float32](b)
//	}
package cpu
