// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the data model of the ug compiler: element
// types, shapes, strided layouts, scalar constants and errors.
//
// # Supported Data Types
//
//   - F16 (float16.Float16 on the host)
//   - BF16 (BFloat16)
//   - F32 (float32)
//   - I32 (int32)
//   - I64 (int64)
//
// # Layouts
//
// A Layout maps a logical index to an element offset:
//
//	l := tensor.Contiguous(tensor.Shape{2, 3})  // strides [3 1]
//	t, _ := l.Transpose(0, 1)                   // shape (3, 2), strides [1 3]
//	b, _ := tensor.Contiguous(tensor.Shape{3, 1}).Broadcast(tensor.Shape{3, 4}) // stride 0 on dim 1
//
// # Errors
//
// Every error returned by ug wraps exactly one of the Err* kinds:
//
//	if errors.Is(err, tensor.ErrShape) {
//	    // invalid reshape, broadcast or matmul operands
//	}
package tensor
