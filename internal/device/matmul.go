package device

import (
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/tensor"
)

// MatMulKernel runs a batched matrix product on d through a generated
// kernel. Backends use it for dtypes or layouts their vendor library does
// not handle.
func MatMulKernel(d Device, dst, lhs, rhs Slice, lhsL, rhsL *tensor.Layout, blockDim int) error {
	k, err := op.MatMulKernel(lhsL, rhsL, dst.DType())
	if err != nil {
		return err
	}
	sk, err := lower.Lower(k, lower.Options{UseGrid: d.UseGrid(), BlockDim: blockDim})
	if err != nil {
		return err
	}
	f, err := CompileCached(d, sk, "matmul")
	if err != nil {
		return err
	}
	return d.Run(f, []Slice{dst, lhs, rhs})
}

// CheckMatMul validates the operands of a MatMul call.
func CheckMatMul(dst, lhs, rhs Slice, bmnk BMNK, lhsL, rhsL *tensor.Layout) error {
	if lhs.DType() != dst.DType() || rhs.DType() != dst.DType() {
		return tensor.DTypeErrorf("matmul: dtypes %s x %s -> %s", lhs.DType(), rhs.DType(), dst.DType())
	}
	if dst.Len() < bmnk.B*bmnk.M*bmnk.N {
		return tensor.ShapeErrorf("matmul: destination of %d elements for %v", dst.Len(), bmnk)
	}
	if err := lhsL.CheckBounds(lhs.Len()); err != nil {
		return err
	}
	return rhsL.CheckBounds(rhs.Len())
}

// GemmStrides describes one operand of a strided batched GEMM in row-major
// terms.
type GemmStrides struct {
	// Trans is set when the matrix is stored column-major.
	Trans bool
	// LD is the leading dimension in elements.
	LD int
	// Batch is the element distance between consecutive matrices.
	Batch int
	// Offset is the element offset of the first matrix.
	Offset int
}

// GemmLayout classifies a (..., rows, cols) layout for a BLAS call. It
// accepts row-major and column-major matrices with unit element stride and
// a uniform batch stride; anything else reports false and must go through
// MatMulKernel.
func GemmLayout(l *tensor.Layout) (GemmStrides, bool) {
	shape, strides := l.Shape(), l.Strides()
	r := len(shape)
	if r < 2 {
		return GemmStrides{}, false
	}
	rows, cols := shape[r-2], shape[r-1]
	rs, cs := strides[r-2], strides[r-1]
	g := GemmStrides{Offset: l.Offset()}
	switch {
	case cs == 1 || cols == 1:
		g.LD = rs
		if rows == 1 {
			g.LD = cols
		}
		if g.LD < max(cols, 1) {
			return GemmStrides{}, false
		}
	case rs == 1 || rows == 1:
		g.Trans = true
		g.LD = cs
		if cols == 1 {
			g.LD = rows
		}
		if g.LD < max(rows, 1) {
			return GemmStrides{}, false
		}
	default:
		return GemmStrides{}, false
	}

	// Batch dimensions must collapse to a single stride.
	g.Batch = rows * cols
	expected := -1
	for i := r - 3; i >= 0; i-- {
		if shape[i] == 1 {
			continue
		}
		if expected < 0 {
			g.Batch = strides[i]
			expected = strides[i] * shape[i]
			continue
		}
		if strides[i] != expected {
			return GemmStrides{}, false
		}
		expected *= shape[i]
	}
	return g, true
}
