package op

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/tensor"
)

func load(arg ArgID, dtype tensor.DType, shape ...int) *Load {
	return NewLoad(arg, tensor.Contiguous(shape), dtype)
}

func TestConstructors(t *testing.T) {
	x := load(1, tensor.F32, 2, 3)

	e, err := NewUnary(Exp, x)
	require.NoError(t, err)
	assert.Equal(t, tensor.F32, e.DType())
	assert.Equal(t, tensor.Shape{2, 3}, e.Shape())

	_, err = NewUnary(Exp, load(1, tensor.I32, 2))
	assert.ErrorIs(t, err, tensor.ErrDType)
	_, err = NewUnary(Cast, x)
	assert.ErrorIs(t, err, tensor.ErrDType)

	assert.Same(t, Ast(x), NewCast(x, tensor.F32))
	c := NewCast(x, tensor.F16)
	assert.Equal(t, tensor.F16, c.DType())

	_, err = NewBinary(Add, x, load(2, tensor.F32, 3, 2))
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = NewBinary(Add, x, load(2, tensor.I32, 2, 3))
	assert.ErrorIs(t, err, tensor.ErrDType)
	_, err = NewBinary(Rem, x, x)
	assert.ErrorIs(t, err, tensor.ErrDType)

	r, err := NewReduce(ReduceMax, x, tensor.Minus1)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 1}, r.Shape())
	_, err = NewReduce(ReduceSum, x, 2)
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestReduceIdentity(t *testing.T) {
	assert.Equal(t, tensor.ConstZero(tensor.I32), ReduceSum.Identity(tensor.I32))
	assert.Equal(t, tensor.ConstMin(tensor.F32), ReduceMax.Identity(tensor.F32))
	assert.Equal(t, tensor.ConstMax(tensor.I64), ReduceMin.Identity(tensor.I64))
	assert.Equal(t, Add, ReduceSum.Combine())
	assert.Equal(t, Max, ReduceMax.Combine())
}

func TestWalkOrder(t *testing.T) {
	x := load(1, tensor.F32, 4)
	e, err := NewUnary(Neg, x)
	require.NoError(t, err)
	sum, err := NewBinary(Add, e, NewConst(tensor.ConstF32(1), tensor.Shape{4}))
	require.NoError(t, err)

	var names []string
	Walk(sum, func(n Ast) {
		switch n := n.(type) {
		case *Load:
			names = append(names, "load")
		case *ConstNode:
			names = append(names, "const")
		case *Unary:
			names = append(names, n.Op.String())
		case *Binary:
			names = append(names, n.Op.String())
		}
	})
	assert.Equal(t, []string{"load", "neg", "const", "add"}, names)
}

func TestKernelValidate(t *testing.T) {
	x := load(1, tensor.F32, 4)
	e, err := NewUnary(Exp, x)
	require.NoError(t, err)
	good := &Kernel{
		Args:   []Arg{{ID: 0, DType: tensor.F32}, {ID: 1, DType: tensor.F32}},
		Stores: []Store{{Dst: 0, Layout: tensor.Contiguous(tensor.Shape{4}), Value: e}},
	}
	require.NoError(t, good.Validate())
	assert.Equal(t, "exp", DefaultName(good.Stores))

	tests := []struct {
		name string
		k    *Kernel
		kind error
	}{
		{"no stores", &Kernel{Args: good.Args}, tensor.ErrInternal},
		{"undeclared dst", &Kernel{Args: good.Args[1:], Stores: good.Stores}, tensor.ErrInternal},
		{"undeclared load", &Kernel{Args: good.Args[:1], Stores: good.Stores}, tensor.ErrInternal},
		{"dst dtype", &Kernel{
			Args:   []Arg{{ID: 0, DType: tensor.I32}, {ID: 1, DType: tensor.F32}},
			Stores: good.Stores,
		}, tensor.ErrDType},
		{"load dtype", &Kernel{
			Args:   []Arg{{ID: 0, DType: tensor.F32}, {ID: 1, DType: tensor.F16}},
			Stores: good.Stores,
		}, tensor.ErrDType},
		{"layout shape", &Kernel{
			Args:   good.Args,
			Stores: []Store{{Dst: 0, Layout: tensor.Contiguous(tensor.Shape{2, 2}), Value: e}},
		}, tensor.ErrShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.k.Validate(), tt.kind)
		})
	}
}

func TestDefaultName(t *testing.T) {
	x := load(1, tensor.F32, 4)
	assert.Equal(t, "copy", DefaultName([]Store{{Value: x}}))

	e, err := NewUnary(Exp, x)
	require.NoError(t, err)
	a, err := NewBinary(Add, e, x)
	require.NoError(t, err)
	m, err := NewBinary(Mul, a, e)
	require.NoError(t, err)
	assert.Equal(t, "exp_add_mul", DefaultName([]Store{{Value: m}}))
}

func TestMatMulKernel(t *testing.T) {
	k, err := MatMulKernel(tensor.Contiguous(tensor.Shape{2, 3, 4}), tensor.Contiguous(tensor.Shape{2, 4, 5}), tensor.F32)
	require.NoError(t, err)
	require.NoError(t, k.Validate())
	assert.Equal(t, "matmul", k.Name)

	st := k.Stores[0]
	assert.Equal(t, tensor.Shape{2, 3, 5, 1}, st.Layout.Shape())
	red, ok := st.Value.(*Reduce)
	require.True(t, ok)
	assert.Equal(t, 3, red.Dim)
	mul := red.X.(*Binary)
	assert.Equal(t, []int{12, 4, 0, 1}, mul.Lhs.(*Load).Layout.Strides())
	assert.Equal(t, []int{20, 0, 1, 5}, mul.Rhs.(*Load).Layout.Strides())

	_, err = MatMulKernel(tensor.Contiguous(tensor.Shape{2, 3}), tensor.Contiguous(tensor.Shape{4, 5}), tensor.F32)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = MatMulKernel(tensor.Contiguous(tensor.Shape{1, 2, 3}), tensor.Contiguous(tensor.Shape{2, 3, 5}), tensor.F32)
	assert.ErrorIs(t, err, tensor.ErrShape)
	_, err = MatMulKernel(tensor.Contiguous(tensor.Shape{3}), tensor.Contiguous(tensor.Shape{3}), tensor.F32)
	assert.ErrorIs(t, err, tensor.ErrShape)
}
