// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"errors"
	"testing"

	"github.com/born-ml/ug/tensor"
)

func TestDTypeAPI(t *testing.T) {
	dt, err := tensor.ParseDType("bf16")
	if err != nil {
		t.Fatalf("ParseDType failed: %v", err)
	}
	if dt != tensor.BF16 {
		t.Errorf("ParseDType(bf16) = %v, want BF16", dt)
	}
	if got := tensor.DTypeOf[int64](); got != tensor.I64 {
		t.Errorf("DTypeOf[int64]() = %v, want I64", got)
	}
	if _, err := tensor.ParseDType("f64"); !errors.Is(err, tensor.ErrDType) {
		t.Errorf("ParseDType(f64) error = %v, want ErrDType", err)
	}
}

func TestLayoutAPI(t *testing.T) {
	l := tensor.Contiguous(tensor.Shape{2, 3})
	tr, err := l.Transpose(0, tensor.Minus1)
	if err != nil {
		t.Fatalf("Transpose failed: %v", err)
	}
	if !tr.Shape().Equal(tensor.Shape{3, 2}) {
		t.Errorf("Shape() = %v, want (3, 2)", tr.Shape())
	}
	if tr.IsContiguous() {
		t.Error("transposed layout reported contiguous")
	}
	if _, err := l.Reshape(tensor.Shape{4}); !errors.Is(err, tensor.ErrShape) {
		t.Errorf("Reshape error = %v, want ErrShape", err)
	}
}

func TestConstAPI(t *testing.T) {
	c := tensor.ConstFloat(tensor.F32, 1.5)
	if c.DType != tensor.F32 {
		t.Errorf("DType = %v, want F32", c.DType)
	}
	if c != tensor.ConstF32(1.5) {
		t.Errorf("ConstFloat(F32, 1.5) = %v, want 1.5f32", c)
	}
}
