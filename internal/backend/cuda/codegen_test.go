package cuda

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/tensor"
)

func addKernel(t *testing.T, dtype tensor.DType) *op.Kernel {
	t.Helper()
	return binaryKernel(t, op.Add, dtype)
}

func binaryKernel(t *testing.T, o op.BinaryOp, dtype tensor.DType) *op.Kernel {
	t.Helper()
	l := tensor.Contiguous(tensor.Shape{1024})
	v, err := op.NewBinary(o, op.NewLoad(1, l, dtype), op.NewLoad(2, l, dtype))
	require.NoError(t, err)
	return &op.Kernel{
		Name:   "add",
		Args:   []op.Arg{{ID: 0, DType: dtype}, {ID: 1, DType: dtype}, {ID: 2, DType: dtype}},
		Stores: []op.Store{{Dst: 0, Layout: l, Value: v}},
	}
}

func TestGenerateCUDA_Add(t *testing.T) {
	sk, err := lower.Lower(addKernel(t, tensor.F32), lower.Options{UseGrid: true, BlockDim: 128})
	require.NoError(t, err)
	assert.Equal(t, 8, sk.GridDim)

	src, err := GenerateCUDA(sk, "add")
	require.NoError(t, err)
	assert.Contains(t, src, `extern "C" __global__ void ug_add(float *__restrict__ arg0, float *__restrict__ arg1, float *__restrict__ arg2) {`)
	assert.Contains(t, src, "(int)blockIdx.x")
	assert.Contains(t, src, "(int)threadIdx.x")
	assert.Contains(t, src, "if (")
}

func TestGenerateCUDA_HalfStorage(t *testing.T) {
	sk, err := lower.Lower(addKernel(t, tensor.BF16), lower.Options{UseGrid: true})
	require.NoError(t, err)

	src, err := GenerateCUDA(sk, "add")
	require.NoError(t, err)
	assert.Contains(t, src, "__nv_bfloat16 *__restrict__ arg0")
	assert.Contains(t, src, "__bfloat162float(arg1[")
	assert.Contains(t, src, "__float2bfloat16_rz(")
	assert.Contains(t, src, "ug_round_bf16(")
}

func TestGenerateCUDA_IntDivision(t *testing.T) {
	sk, err := lower.Lower(binaryKernel(t, op.Div, tensor.I32), lower.Options{UseGrid: true})
	require.NoError(t, err)

	src, err := GenerateCUDA(sk, "div")
	require.NoError(t, err)
	assert.Contains(t, src, "int *__restrict__ arg2, int *__restrict__ ug_fault) {")
	assert.Contains(t, src, "((*ug_fault = 1), 0)")

	sk, err = lower.Lower(binaryKernel(t, op.Div, tensor.F32), lower.Options{UseGrid: true})
	require.NoError(t, err)
	src, err = GenerateCUDA(sk, "div")
	require.NoError(t, err)
	assert.NotContains(t, src, "ug_fault")
}

func TestGenerateCUDA_NeedsGrid(t *testing.T) {
	sk, err := lower.Lower(addKernel(t, tensor.F32), lower.Options{})
	require.NoError(t, err)
	_, err = GenerateCUDA(sk, "add")
	assert.ErrorIs(t, err, tensor.ErrCompile)
}

func TestNew_Unavailable(t *testing.T) {
	d, err := New()
	if err != nil {
		assert.ErrorIs(t, err, tensor.ErrDevice)
		return
	}
	defer d.Close()
	assert.Equal(t, "cuda:0", d.Name()[:6])
}
