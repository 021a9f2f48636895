package codegen

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// plainC is a minimal dialect for single precision and int32 kernels.
type plainC struct {
	CStyle
}

func (plainC) Preamble(*ssa.Kernel) string { return "" }

func (d plainC) Header(name string, k *ssa.Kernel) (string, error) {
	var params []string
	for i, dt := range ArgDTypes(k) {
		typ, err := d.ValueType(dt)
		if err != nil {
			return "", err
		}
		params = append(params, typ+"* "+ArgName(i))
	}
	return "void " + name + "(" + strings.Join(params, ", ") + ") {", nil
}

func (plainC) ValueType(dt tensor.DType) (string, error) {
	switch dt {
	case tensor.F32:
		return "float", nil
	case tensor.I32:
		return "int", nil
	}
	return "", tensor.CompileErrorf("plain C has no %s", dt)
}

func (plainC) Special(ssa.SpecialKind) (string, error) {
	return "", tensor.CompileErrorf("no grid")
}

func (plainC) Load(_ tensor.DType, ptr, idx string) string { return ptr + "[" + idx + "]" }

func (plainC) Store(_ tensor.DType, ptr, idx, val string) string {
	return ptr + "[" + idx + "] = " + val + ";"
}

func (plainC) Cast(_, to tensor.DType, x string) (string, error) {
	if to == tensor.F32 {
		return "(float)" + x, nil
	}
	return "(int)" + x, nil
}

func (plainC) Round(_ tensor.DType, x string) string { return x }

var dialect = plainC{CStyle{Math: map[op.UnaryOp]string{op.Exp: "expf"}, FloatSuffix: "f", Inf: "INFINITY", NaN: "NAN"}}

func addKernel(dtype tensor.DType) *ssa.Kernel {
	return &ssa.Kernel{Instrs: []ssa.Instr{
		{Kind: ssa.DefineGlobal, Index: 0, DType: dtype},
		{Kind: ssa.DefineGlobal, Index: 1, DType: dtype},
		{Kind: ssa.DefineGlobal, Index: 2, DType: dtype},
		{Kind: ssa.Range, DType: ssa.IndexDType, X: ssa.I(0), Y: ssa.I(4), Jump: 8},
		{Kind: ssa.Load, DType: dtype, Ptr: 1, X: ssa.V(3)},
		{Kind: ssa.Load, DType: dtype, Ptr: 2, X: ssa.V(3)},
		{Kind: ssa.Binary, DType: dtype, BinaryOp: op.Add, X: ssa.V(4), Y: ssa.V(5)},
		{Kind: ssa.Store, DType: dtype, Ptr: 0, X: ssa.V(3), Y: ssa.V(6)},
		{Kind: ssa.EndRange, Jump: 3},
	}}
}

func TestGenerate(t *testing.T) {
	got, err := Generate(dialect, addKernel(tensor.F32), "ug_add")
	require.NoError(t, err)
	want := `void ug_add(float* arg0, float* arg1, float* arg2) {
  for (int v3 = 0; v3 < 4; ++v3) {
    float v4 = arg1[v3];
    float v5 = arg2[v3];
    float v6 = (v4 + v5);
    arg0[v3] = v6;
  }
}
`
	assert.Equal(t, want, got)
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate(dialect, addKernel(tensor.F16), "ug_add")
	assert.ErrorIs(t, err, tensor.ErrCompile)

	bad := addKernel(tensor.F32)
	bad.Instrs = bad.Instrs[:8]
	_, err = Generate(dialect, bad, "ug_add")
	assert.ErrorIs(t, err, tensor.ErrInternal)
}

func TestLiterals(t *testing.T) {
	tests := []struct {
		c    tensor.Const
		want string
	}{
		{tensor.ConstF32(1), "1.0f"},
		{tensor.ConstF32(0.5), "0.5f"},
		{tensor.ConstF32(1e-8), "1e-08f"},
		{tensor.ConstMax(tensor.F32), "INFINITY"},
		{tensor.ConstMin(tensor.F32), "(-INFINITY)"},
		{tensor.Const{DType: tensor.F32, F: math.NaN()}, "NAN"},
		{tensor.ConstI32(-3), "-3"},
		{tensor.ConstMin(tensor.I32), "(-2147483647 - 1)"},
		{tensor.ConstI64(5), "5LL"},
		{tensor.ConstMin(tensor.I64), "(-9223372036854775807LL - 1)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, dialect.Literal(tt.c), "literal %v", tt.c)
	}
}

func TestCStyleOps(t *testing.T) {
	s, err := dialect.Unary(op.Exp, tensor.F32, "x")
	require.NoError(t, err)
	assert.Equal(t, "expf(x)", s)

	s, err = dialect.Unary(op.Sqrt, tensor.F32, "x")
	require.NoError(t, err)
	assert.Equal(t, "sqrt(x)", s)

	s, err = dialect.Unary(op.Abs, tensor.I32, "x")
	require.NoError(t, err)
	assert.Equal(t, "(x < 0 ? -x : x)", s)

	s, err = dialect.Unary(op.Recip, tensor.F32, "x")
	require.NoError(t, err)
	assert.Equal(t, "(1.0f / x)", s)

	_, err = dialect.Unary(op.Log, tensor.I32, "x")
	assert.ErrorIs(t, err, tensor.ErrLowering)

	assert.Equal(t, "(a > b ? a : b)", dialect.Binary(op.Max, tensor.F32, "a", "b"))
	assert.Equal(t, "(a / b)", dialect.Binary(op.Div, tensor.F32, "a", "b"))
}

func TestIntDivision(t *testing.T) {
	assert.Equal(t, "(b == 0 ? 0 : b == -1 ? 0 : a % b)", dialect.Binary(op.Rem, tensor.I32, "a", "b"))

	faulting := dialect
	faulting.Fault = "(*ug_fault = 1)"
	assert.Equal(t,
		"(b == 0 ? ((*ug_fault = 1), 0) : b == -1 ? (a == (-2147483647 - 1) ? a : (0 - a)) : a / b)",
		faulting.Binary(op.Div, tensor.I32, "a", "b"))
	assert.Contains(t, faulting.Binary(op.Div, tensor.I64, "a", "-3LL"), "(-9223372036854775807LL - 1)")

	k := addKernel(tensor.I32)
	assert.False(t, DividesIntegers(k))
	k.Instrs[6].BinaryOp = op.Rem
	assert.True(t, DividesIntegers(k))
	assert.False(t, DividesIntegers(addKernel(tensor.F32)), "float division never faults")
	k = addKernel(tensor.F32)
	k.Instrs[6].BinaryOp = op.Div
	assert.False(t, DividesIntegers(k))
}

func TestIdentifier(t *testing.T) {
	tests := []struct{ in, want string }{
		{"add", "ug_add"},
		{"ug_add", "ug_add"},
		{"exp_sum", "ug_exp_sum"},
		{"a-b.c", "ug_a_b_c"},
		{"", "ug_kernel"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Identifier(tt.in))
		assert.Equal(t, Identifier(tt.in), Identifier(Identifier(tt.in)))
	}
}
