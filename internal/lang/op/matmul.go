package op

import (
	"github.com/born-ml/ug/internal/tensor"
)

// MatMulExpr expresses a batched matrix product as a sum reduction over a
// broadcast elementwise product. lhs has shape (..., m, k) and rhs
// (..., k, n); both are re-strided to (..., m, n, k) with zero strides on
// the broadcast dimension. The result has shape (..., m, n, 1) and is
// stored through a contiguous layout of that shape, which addresses the
// same elements as a contiguous (..., m, n) layout.
func MatMulExpr(lhsArg ArgID, lhs *tensor.Layout, rhsArg ArgID, rhs *tensor.Layout, dtype tensor.DType) (Ast, *tensor.Layout, error) {
	ls, rs := lhs.Shape(), rhs.Shape()
	r := ls.Rank()
	if r < 2 || rs.Rank() != r {
		return nil, nil, tensor.ShapeErrorf("matmul: ranks %d and %d", r, rs.Rank())
	}
	m, k, n := ls[r-2], ls[r-1], rs[r-1]
	if rs[r-2] != k {
		return nil, nil, tensor.ShapeErrorf("matmul: inner dimensions %v and %v disagree", ls, rs)
	}
	if !ls[:r-2].Equal(rs[:r-2]) {
		return nil, nil, tensor.ShapeErrorf("matmul: batch dimensions %v and %v disagree", ls, rs)
	}

	shape := append(ls[:r-2].Clone(), m, n, k)
	lst, rst := lhs.Strides(), rhs.Strides()
	lstrides := append(append([]int{}, lst[:r-2]...), lst[r-2], 0, lst[r-1])
	rstrides := append(append([]int{}, rst[:r-2]...), 0, rst[r-1], rst[r-2])
	ll, err := tensor.NewLayout(shape, lstrides, lhs.Offset())
	if err != nil {
		return nil, nil, err
	}
	rl, err := tensor.NewLayout(shape, rstrides, rhs.Offset())
	if err != nil {
		return nil, nil, err
	}

	prod, err := NewBinary(Mul, NewLoad(lhsArg, ll, dtype), NewLoad(rhsArg, rl, dtype))
	if err != nil {
		return nil, nil, err
	}
	sum, err := NewReduce(ReduceSum, prod, tensor.Minus1)
	if err != nil {
		return nil, nil, err
	}
	out := append(ls[:r-2].Clone(), m, n, 1)
	return sum, tensor.Contiguous(out), nil
}

// MatMulKernel builds a standalone kernel computing dst = lhs x rhs with
// arguments (dst, lhs, rhs).
func MatMulKernel(lhs, rhs *tensor.Layout, dtype tensor.DType) (*Kernel, error) {
	value, dst, err := MatMulExpr(1, lhs, 2, rhs, dtype)
	if err != nil {
		return nil, err
	}
	return &Kernel{
		Name:   "matmul",
		Args:   []Arg{{ID: 0, DType: dtype}, {ID: 1, DType: dtype}, {ID: 2, DType: dtype}},
		Stores: []Store{{Dst: 0, Layout: dst, Value: value}},
	}, nil
}
