package tensor

import (
	"fmt"
	"math"
	"strconv"
)

// Const is a dtype-tagged scalar. Float dtypes keep the value in F,
// integer dtypes in I.
type Const struct {
	DType DType
	F     float64
	I     int64
}

// ConstF32 returns an f32 constant.
func ConstF32(v float32) Const { return Const{DType: F32, F: float64(v)} }

// ConstI32 returns an i32 constant.
func ConstI32(v int32) Const { return Const{DType: I32, I: int64(v)} }

// ConstI64 returns an i64 constant.
func ConstI64(v int64) Const { return Const{DType: I64, I: v} }

// ConstFloat returns v converted to dtype. Integer dtypes truncate.
func ConstFloat(dtype DType, v float64) Const {
	if dtype.IsInt() {
		return Const{DType: dtype, I: int64(v)}
	}
	return Const{DType: dtype, F: v}
}

// ConstZero returns the additive identity of dtype.
func ConstZero(dtype DType) Const { return ConstFloat(dtype, 0) }

// ConstOne returns the multiplicative identity of dtype.
func ConstOne(dtype DType) Const { return ConstFloat(dtype, 1) }

// ConstMin returns the smallest value of dtype: negative infinity for
// floats and the minimum representable integer otherwise.
func ConstMin(dtype DType) Const {
	switch dtype {
	case I32:
		return ConstI32(math.MinInt32)
	case I64:
		return ConstI64(math.MinInt64)
	default:
		return Const{DType: dtype, F: math.Inf(-1)}
	}
}

// ConstMax returns the largest value of dtype.
func ConstMax(dtype DType) Const {
	switch dtype {
	case I32:
		return ConstI32(math.MaxInt32)
	case I64:
		return ConstI64(math.MaxInt64)
	default:
		return Const{DType: dtype, F: math.Inf(1)}
	}
}

// Float64 returns the value widened to float64.
func (c Const) Float64() float64 {
	if c.DType.IsInt() {
		return float64(c.I)
	}
	return c.F
}

// Int64 returns the value as an integer, truncating floats.
func (c Const) Int64() int64 {
	if c.DType.IsInt() {
		return c.I
	}
	return int64(c.F)
}

// IsZero reports whether the constant is zero.
func (c Const) IsZero() bool {
	if c.DType.IsInt() {
		return c.I == 0
	}
	return c.F == 0
}

// String renders the value followed by its dtype, e.g. "1.5f32".
func (c Const) String() string {
	if c.DType.IsInt() {
		return strconv.FormatInt(c.I, 10) + c.DType.String()
	}
	return fmt.Sprintf("%v%s", c.F, c.DType)
}
