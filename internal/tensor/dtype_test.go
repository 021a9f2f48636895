package tensor

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

func TestDType(t *testing.T) {
	tests := []struct {
		dt    DType
		name  string
		size  int
		float bool
	}{
		{F16, "f16", 2, true},
		{BF16, "bf16", 2, true},
		{F32, "f32", 4, true},
		{I32, "i32", 4, false},
		{I64, "i64", 8, false},
	}
	for _, tt := range tests {
		if got := tt.dt.String(); got != tt.name {
			t.Errorf("String() = %q, want %q", got, tt.name)
		}
		if got := tt.dt.Size(); got != tt.size {
			t.Errorf("%s.Size() = %d, want %d", tt.name, got, tt.size)
		}
		if tt.dt.IsFloat() != tt.float || tt.dt.IsInt() == tt.float {
			t.Errorf("%s: IsFloat() = %v, IsInt() = %v", tt.name, tt.dt.IsFloat(), tt.dt.IsInt())
		}
		parsed, err := ParseDType(tt.name)
		if err != nil || parsed != tt.dt {
			t.Errorf("ParseDType(%q) = %v, %v", tt.name, parsed, err)
		}
	}
	if _, err := ParseDType("f64"); !errors.Is(err, ErrDType) {
		t.Errorf("ParseDType(f64) error = %v, want ErrDType", err)
	}
}

func TestDTypeOf(t *testing.T) {
	if DTypeOf[float16.Float16]() != F16 || DTypeOf[BFloat16]() != BF16 ||
		DTypeOf[float32]() != F32 || DTypeOf[int32]() != I32 || DTypeOf[int64]() != I64 {
		t.Error("DTypeOf returned the wrong dtype")
	}
}

func TestBFloat16(t *testing.T) {
	for _, f := range []float32{0, 1, -2.5, 0.15625, 65536} {
		if got := BFloat16FromFloat32(f).Float32(); got != f {
			t.Errorf("BFloat16 round trip of %v = %v", f, got)
		}
	}
	// 1 + 2^-10 has no bf16 representation and truncates to 1.
	if got := BFloat16FromFloat32(1 + 1.0/1024).Float32(); got != 1 {
		t.Errorf("BFloat16(1+2^-10) = %v, want 1", got)
	}
}

func TestFloat64Conversions(t *testing.T) {
	if got := ToFloat64(FromFloat64[float16.Float16](0.5)); got != 0.5 {
		t.Errorf("f16 0.5 = %v", got)
	}
	if got := ToFloat64(FromFloat64[BFloat16](-3)); got != -3 {
		t.Errorf("bf16 -3 = %v", got)
	}
	if got := FromFloat64[int32](2.9); got != 2 {
		t.Errorf("FromFloat64[int32](2.9) = %d, want 2", got)
	}
	if got := ToFloat64(int64(math.MaxInt32) + 1); got != 2147483648 {
		t.Errorf("ToFloat64(int64) = %v", got)
	}
}

func TestConst(t *testing.T) {
	tests := []struct {
		c    Const
		want string
	}{
		{ConstF32(1), "1f32"},
		{ConstF32(1.5), "1.5f32"},
		{ConstI32(-3), "-3i32"},
		{ConstFloat(I64, 2.7), "2i64"},
		{ConstZero(F16), "0f16"},
	}
	for _, tt := range tests {
		if got := tt.c.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}

	if got := ConstMax(F32).Float64(); !math.IsInf(got, 1) {
		t.Errorf("ConstMax(F32) = %v, want +Inf", got)
	}
	if got := ConstMin(F16).Float64(); !math.IsInf(got, -1) {
		t.Errorf("ConstMin(F16) = %v, want -Inf", got)
	}
	if got := ConstMin(I32).Int64(); got != math.MinInt32 {
		t.Errorf("ConstMin(I32) = %d", got)
	}
	if got := ConstMax(I64).Int64(); got != math.MaxInt64 {
		t.Errorf("ConstMax(I64) = %d", got)
	}
	if !ConstZero(I32).IsZero() || ConstOne(F32).IsZero() {
		t.Error("IsZero mismatch")
	}
}

func TestBytes(t *testing.T) {
	src := []int32{1, -2, 3}
	data := EncodeBytes(src)
	if len(data) != 12 {
		t.Fatalf("EncodeBytes length = %d, want 12", len(data))
	}
	got, err := DecodeBytes[int32](data)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if diff := cmp.Diff(src, got); diff != "" {
		t.Errorf("DecodeBytes mismatch (-want +got):\n%s", diff)
	}

	data[0] = 7
	if src[0] != 1 {
		t.Error("EncodeBytes must copy")
	}

	if _, err := DecodeBytes[int64](data); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("DecodeBytes odd length error = %v, want ErrSizeMismatch", err)
	}

	empty, err := AsTyped[float32](nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("AsTyped(nil) = %v, %v", empty, err)
	}
}
