// Package tensor provides the data model shared by every stage of the ug
// compiler: element types, scalar constants, shapes, layouts and errors.
package tensor

import (
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the runtime element type of a buffer.
type DType int

// Supported element types.
const (
	F16 DType = iota
	BF16
	F32
	I32
	I64
)

// AllDTypes lists every supported element type in declaration order.
var AllDTypes = []DType{F16, BF16, F32, I32, I64}

// Size returns the byte size of one element.
func (dt DType) Size() int {
	switch dt {
	case F16, BF16:
		return 2
	case F32, I32:
		return 4
	case I64:
		return 8
	default:
		panic(fmt.Sprintf("unknown dtype %d", int(dt)))
	}
}

// String returns the short lowercase name used in kernels and file headers.
func (dt DType) String() string {
	switch dt {
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F32:
		return "f32"
	case I32:
		return "i32"
	case I64:
		return "i64"
	default:
		return "unknown"
	}
}

// IsFloat reports whether dt is a floating point type.
func (dt DType) IsFloat() bool {
	return dt == F16 || dt == BF16 || dt == F32
}

// IsInt reports whether dt is a signed integer type.
func (dt DType) IsInt() bool {
	return dt == I32 || dt == I64
}

// ParseDType parses the names produced by String.
func ParseDType(s string) (DType, error) {
	for _, dt := range AllDTypes {
		if dt.String() == s {
			return dt, nil
		}
	}
	return 0, DTypeErrorf("unknown dtype %q", s)
}

// BFloat16 is a brain float16 value stored as its raw bits.
type BFloat16 uint16

// BFloat16FromFloat32 converts f to a brain float.
func BFloat16FromFloat32(f float32) BFloat16 {
	b := bfloat16.EncodeFloat32([]float32{f})
	return BFloat16(uint16(b[0]) | uint16(b[1])<<8)
}

// Float32 widens b to a float32 exactly.
func (b BFloat16) Float32() float32 {
	return bfloat16.DecodeFloat32([]byte{byte(b), byte(b >> 8)})[0]
}

// WithDType is the set of host element types that can cross the
// host/device boundary.
type WithDType interface {
	float16.Float16 | BFloat16 | float32 | int32 | int64
}

// DTypeOf returns the DType matching the host type T.
func DTypeOf[T WithDType]() DType {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return F16
	case BFloat16:
		return BF16
	case float32:
		return F32
	case int32:
		return I32
	default:
		return I64
	}
}

// ToFloat64 widens a host value to float64.
func ToFloat64[T WithDType](v T) float64 {
	switch x := any(v).(type) {
	case float16.Float16:
		return float64(x.Float32())
	case BFloat16:
		return float64(x.Float32())
	case float32:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	}
	return math.NaN()
}

// FromFloat64 converts f to the host type T, rounding as the type requires.
func FromFloat64[T WithDType](f float64) T {
	var out T
	switch p := any(&out).(type) {
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(f))
	case *BFloat16:
		*p = BFloat16FromFloat32(float32(f))
	case *float32:
		*p = float32(f)
	case *int32:
		*p = int32(f)
	case *int64:
		*p = int64(f)
	}
	return out
}
