package cpu

import (
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/parallel"
	"github.com/born-ml/ug/internal/tensor"
)

// MatMul computes dst[b] = lhs[b] x rhs[b] into a contiguous dst.
//
// f32 operands with BLAS-compatible layouts go straight to SGEMM; other f32
// layouts are gathered first. f16 and bf16 are widened to float64, run
// through DGEMM and rounded once on the way out. Integer products use a
// parallel naive loop.
func (d *Device) MatMul(dst, lhs, rhs device.Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout) error {
	if err := device.CheckOwned(d, dst, lhs, rhs); err != nil {
		return err
	}
	if err := device.CheckMatMul(dst, lhs, rhs, bmnk, lhsL, rhsL); err != nil {
		return err
	}
	c, a, b := dst.(*Slice), lhs.(*Slice), rhs.(*Slice)

	switch dst.DType() {
	case tensor.F32:
		return matmulF32(c, a, b, bmnk, lhsL, rhsL)
	case tensor.F16:
		return matmulHalf[float16.Float16](c, a, b, bmnk, lhsL, rhsL)
	case tensor.BF16:
		return matmulHalf[tensor.BFloat16](c, a, b, bmnk, lhsL, rhsL)
	case tensor.I32:
		return matmulInt[int32](c, a, b, bmnk, lhsL, rhsL, d.opts.Parallel)
	case tensor.I64:
		return matmulInt[int64](c, a, b, bmnk, lhsL, rhsL, d.opts.Parallel)
	}
	return tensor.DTypeErrorf("cpu: matmul on %s", dst.DType())
}

// batchOffsets returns the element offset of every matrix in a
// (..., rows, cols) layout, in row-major batch order.
func batchOffsets(l *tensor.Layout) []int {
	shape, strides := l.Shape(), l.Strides()
	r := len(shape)
	offs := []int{l.Offset()}
	for i := 0; i < r-2; i++ {
		next := make([]int, 0, len(offs)*shape[i])
		for _, o := range offs {
			for j := range shape[i] {
				next = append(next, o+j*strides[i])
			}
		}
		offs = next
	}
	return offs
}

// gather copies a (..., rows, cols) layout into contiguous row-major
// storage, converting every element with conv.
func gather[S, T any](src []S, l *tensor.Layout, conv func(S) T) []T {
	shape, strides := l.Shape(), l.Strides()
	r := len(shape)
	rows, cols := shape[r-2], shape[r-1]
	rs, cs := strides[r-2], strides[r-1]
	offs := batchOffsets(l)
	out := make([]T, 0, len(offs)*rows*cols)
	for _, o := range offs {
		for i := range rows {
			for j := range cols {
				out = append(out, conv(src[o+i*rs+j*cs]))
			}
		}
	}
	return out
}

func identity[T any](v T) T { return v }

func transpose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// general32 views one matrix of a strided operand as a BLAS matrix.
func general32(data []float32, g device.GemmStrides, batch, rows, cols int) blas32.General {
	off := g.Offset + batch*g.Batch
	if g.Trans {
		rows, cols = cols, rows
	}
	return blas32.General{Rows: rows, Cols: cols, Stride: g.LD, Data: data[off:]}
}

func matmulF32(c, a, b *Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout) error {
	cd, err := tensor.AsTyped[float32](c.data)
	if err != nil {
		return err
	}
	ad, err := tensor.AsTyped[float32](a.data)
	if err != nil {
		return err
	}
	bd, err := tensor.AsTyped[float32](b.data)
	if err != nil {
		return err
	}

	lg, lok := device.GemmLayout(lhsL)
	rg, rok := device.GemmLayout(rhsL)
	if !lok {
		ad = gather(ad, lhsL, identity[float32])
		lg = device.GemmStrides{LD: bmnk.K, Batch: bmnk.M * bmnk.K}
	}
	if !rok {
		bd = gather(bd, rhsL, identity[float32])
		rg = device.GemmStrides{LD: bmnk.N, Batch: bmnk.K * bmnk.N}
	}

	for i := range bmnk.B {
		out := blas32.General{Rows: bmnk.M, Cols: bmnk.N, Stride: bmnk.N, Data: cd[i*bmnk.M*bmnk.N:]}
		blas32.Gemm(transpose(lg.Trans), transpose(rg.Trans), 1,
			general32(ad, lg, i, bmnk.M, bmnk.K),
			general32(bd, rg, i, bmnk.K, bmnk.N),
			0, out)
	}
	return nil
}

func matmulHalf[T float16.Float16 | tensor.BFloat16](c, a, b *Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout) error {
	cd, err := tensor.AsTyped[T](c.data)
	if err != nil {
		return err
	}
	au, err := tensor.AsTyped[T](a.data)
	if err != nil {
		return err
	}
	bu, err := tensor.AsTyped[T](b.data)
	if err != nil {
		return err
	}
	ad := gather(au, lhsL, tensor.ToFloat64[T])
	bd := gather(bu, rhsL, tensor.ToFloat64[T])
	m, n, k := bmnk.M, bmnk.N, bmnk.K
	out := make([]float64, m*n)
	for i := range bmnk.B {
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
			blas64.General{Rows: m, Cols: k, Stride: k, Data: ad[i*m*k:]},
			blas64.General{Rows: k, Cols: n, Stride: n, Data: bd[i*k*n:]},
			0, blas64.General{Rows: m, Cols: n, Stride: n, Data: out})
		for j, v := range out {
			cd[i*m*n+j] = tensor.FromFloat64[T](v)
		}
	}
	return nil
}

func matmulInt[T int32 | int64](c, a, b *Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout, cfg parallel.Config) error {
	cd, err := tensor.AsTyped[T](c.data)
	if err != nil {
		return err
	}
	ad, err := tensor.AsTyped[T](a.data)
	if err != nil {
		return err
	}
	bd, err := tensor.AsTyped[T](b.data)
	if err != nil {
		return err
	}
	lo, ro := batchOffsets(lhsL), batchOffsets(rhsL)
	ls, rs := lhsL.Strides(), rhsL.Strides()
	lr, lc := ls[len(ls)-2], ls[len(ls)-1]
	rr, rc := rs[len(rs)-2], rs[len(rs)-1]
	m, n, k := bmnk.M, bmnk.N, bmnk.K

	parallel.ForBatch(bmnk.B, m, func(bi, i int) {
		row := cd[(bi*m+i)*n : (bi*m+i+1)*n]
		for j := range n {
			var acc T
			for p := range k {
				acc += ad[lo[bi]+i*lr+p*lc] * bd[ro[bi]+p*rr+j*rc]
			}
			row[j] = acc
		}
	}, cfg)
	return nil
}
