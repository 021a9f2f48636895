package metal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/tensor"
)

func unaryKernel(t *testing.T, o op.UnaryOp, dtype tensor.DType) *op.Kernel {
	t.Helper()
	l := tensor.Contiguous(tensor.Shape{3, 5})
	v, err := op.NewUnary(o, op.NewLoad(1, l, dtype))
	require.NoError(t, err)
	return &op.Kernel{
		Name:   o.String(),
		Args:   []op.Arg{{ID: 0, DType: dtype}, {ID: 1, DType: dtype}},
		Stores: []op.Store{{Dst: 0, Layout: l, Value: v}},
	}
}

func TestGenerateMSL_Exp(t *testing.T) {
	sk, err := lower.Lower(unaryKernel(t, op.Exp, tensor.F32), lower.Options{UseGrid: true, BlockDim: 32})
	require.NoError(t, err)

	src, err := GenerateMSL(sk, "exp")
	require.NoError(t, err)
	assert.Contains(t, src, "#include <metal_stdlib>")
	assert.Contains(t, src, "kernel void ug_exp(")
	assert.Contains(t, src, "device float *arg0 [[buffer(0)]]")
	assert.Contains(t, src, "device float *arg1 [[buffer(1)]]")
	assert.Contains(t, src, "[[threadgroup_position_in_grid]]")
	assert.Contains(t, src, "precise::exp(")
}

func TestGenerateMSL_Half(t *testing.T) {
	sk, err := lower.Lower(unaryKernel(t, op.Neg, tensor.F16), lower.Options{UseGrid: true})
	require.NoError(t, err)

	src, err := GenerateMSL(sk, "neg")
	require.NoError(t, err)
	assert.Contains(t, src, "device half *arg0")
	assert.Contains(t, src, "float(arg1[")
	assert.Contains(t, src, "= half(")
}

func TestGenerateMSL_BF16AsUshort(t *testing.T) {
	sk, err := lower.Lower(unaryKernel(t, op.Abs, tensor.BF16), lower.Options{UseGrid: true})
	require.NoError(t, err)

	src, err := GenerateMSL(sk, "abs")
	require.NoError(t, err)
	assert.Contains(t, src, "device ushort *arg0")
	assert.Contains(t, src, "ug_bf16_to_f32(arg1[")
	assert.Contains(t, src, "ug_f32_to_bf16(")
}

func TestGenerateMSL_IntRemainder(t *testing.T) {
	l := tensor.Contiguous(tensor.Shape{3, 5})
	v, err := op.NewBinary(op.Rem, op.NewLoad(1, l, tensor.I64), op.NewLoad(2, l, tensor.I64))
	require.NoError(t, err)
	k := &op.Kernel{
		Name:   "rem",
		Args:   []op.Arg{{ID: 0, DType: tensor.I64}, {ID: 1, DType: tensor.I64}, {ID: 2, DType: tensor.I64}},
		Stores: []op.Store{{Dst: 0, Layout: l, Value: v}},
	}
	sk, err := lower.Lower(k, lower.Options{UseGrid: true})
	require.NoError(t, err)

	src, err := GenerateMSL(sk, "rem")
	require.NoError(t, err)
	assert.Contains(t, src, "device int *ug_fault [[buffer(3)]]")
	assert.Contains(t, src, "((*ug_fault = 1), 0)")
	assert.Contains(t, src, "== -1 ? 0 :")
}

func TestGenerateMSL_NeedsGrid(t *testing.T) {
	sk, err := lower.Lower(unaryKernel(t, op.Exp, tensor.F32), lower.Options{})
	require.NoError(t, err)
	_, err = GenerateMSL(sk, "exp")
	assert.ErrorIs(t, err, tensor.ErrCompile)
}

func TestNew_Unavailable(t *testing.T) {
	d, err := New()
	if err != nil {
		assert.ErrorIs(t, err, tensor.ErrDevice)
		return
	}
	defer d.Close()
	assert.Equal(t, "metal", d.Name())
}
