// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/ug/internal/tensor"
)

// Type aliases for public API

// DType is the runtime element type of a buffer.
type DType = tensor.DType

// Element types.
const (
	F16  DType = tensor.F16
	BF16 DType = tensor.BF16
	F32  DType = tensor.F32
	I32  DType = tensor.I32
	I64  DType = tensor.I64
)

// BFloat16 is a brain float16 host value.
type BFloat16 = tensor.BFloat16

// WithDType is the constraint over host element types: float16.Float16,
// BFloat16, float32, int32 and int64.
type WithDType = tensor.WithDType

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3, 4} represents a 3D tensor with dimensions 2×3×4.
type Shape = tensor.Shape

// D identifies a dimension; negative values count from the end.
type D = tensor.D

// Common from-the-end dimensions.
const (
	Minus1 D = tensor.Minus1
	Minus2 D = tensor.Minus2
)

// Layout maps logical indices to storage offsets through strides.
type Layout = tensor.Layout

// Const is a dtype-tagged scalar.
type Const = tensor.Const

// Error kinds. Use errors.Is to classify failures.
var (
	ErrShape         = tensor.ErrShape
	ErrDType         = tensor.ErrDType
	ErrLowering      = tensor.ErrLowering
	ErrCompile       = tensor.ErrCompile
	ErrDevice        = tensor.ErrDevice
	ErrSizeMismatch  = tensor.ErrSizeMismatch
	ErrDTypeMismatch = tensor.ErrDTypeMismatch
	ErrInternal      = tensor.ErrInternal
)

// TransferError describes a host/device copy whose buffers disagree.
type TransferError = tensor.TransferError

// ParseDType parses "f16", "bf16", "f32", "i32" or "i64".
func ParseDType(s string) (DType, error) {
	return tensor.ParseDType(s)
}

// DTypeOf returns the DType matching the host type T.
func DTypeOf[T WithDType]() DType {
	return tensor.DTypeOf[T]()
}

// Contiguous returns the row-major layout of shape.
func Contiguous(shape Shape) *Layout {
	return tensor.Contiguous(shape)
}

// NewLayout returns a strided layout.
func NewLayout(shape Shape, strides []int, offset int) (*Layout, error) {
	return tensor.NewLayout(shape, strides, offset)
}

// ConstF32 returns an f32 scalar.
func ConstF32(v float32) Const { return tensor.ConstF32(v) }

// ConstI32 returns an i32 scalar.
func ConstI32(v int32) Const { return tensor.ConstI32(v) }

// ConstI64 returns an i64 scalar.
func ConstI64(v int64) Const { return tensor.ConstI64(v) }

// ConstFloat returns v as a scalar of dtype.
func ConstFloat(dtype DType, v float64) Const { return tensor.ConstFloat(dtype, v) }
