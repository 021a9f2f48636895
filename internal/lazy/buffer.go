// Package lazy builds deferred tensor computations and executes them.
//
// A Buffer is a node in an immutable DAG of operations. Building a node
// validates shapes and dtypes but never touches device memory. Realize
// schedules the reachable unrealized nodes into fused kernels, lowers them,
// compiles them through the device's kernel cache and runs them, attaching
// device slices to the roots and to any intermediate the scheduler chose to
// materialize.
package lazy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/tensor"
)

// OpKind tags the operation a Buffer computes.
type OpKind int

// Operation kinds.
const (
	OpConst OpKind = iota
	OpCopy         // host data uploaded on realization
	OpSlice        // existing device memory
	OpUnary
	OpBinary
	OpReduce
	OpMatMul
	OpLayout // reshape, transpose, broadcast or narrow of the input
)

var opKindNames = [...]string{"const", "copy", "slice", "unary", "binary", "reduce", "matmul", "layout"}

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return fmt.Sprintf("op(%d)", int(k))
}

var nextID atomic.Uint64

// Buffer is a lazily computed tensor.
type Buffer struct {
	id     uint64
	kind   OpKind
	srcs   []*Buffer
	dtype  tensor.DType
	shape  tensor.Shape
	device device.Device

	unary  op.UnaryOp
	binary op.BinaryOp
	reduce op.ReduceOp
	dim    int
	value  tensor.Const
	host   []byte
	view   View

	mu   sync.Mutex
	data device.Slice
}

func newBuffer(dev device.Device, kind OpKind, dtype tensor.DType, shape tensor.Shape, srcs ...*Buffer) *Buffer {
	return &Buffer{
		id:     nextID.Add(1),
		kind:   kind,
		srcs:   srcs,
		dtype:  dtype,
		shape:  shape.Clone(),
		device: dev,
	}
}

// ID returns the stable identifier assigned at construction.
func (b *Buffer) ID() uint64 { return b.id }

// Kind returns the operation tag.
func (b *Buffer) Kind() OpKind { return b.kind }

// Srcs returns the input buffers.
func (b *Buffer) Srcs() []*Buffer { return b.srcs }

// DType returns the element type.
func (b *Buffer) DType() tensor.DType { return b.dtype }

// Shape returns the logical shape.
func (b *Buffer) Shape() tensor.Shape { return b.shape }

// Layout returns the contiguous layout the buffer is materialized with.
func (b *Buffer) Layout() *tensor.Layout { return tensor.Contiguous(b.shape) }

// Device returns the device the buffer is computed on.
func (b *Buffer) Device() device.Device { return b.device }

// Value returns the scalar of a constant buffer.
func (b *Buffer) Value() tensor.Const { return b.value }

// View returns the layout change of an OpLayout buffer.
func (b *Buffer) View() View { return b.view }

// OpName describes the operation, e.g. "binary(add)".
func (b *Buffer) OpName() string {
	switch b.kind {
	case OpUnary:
		if b.unary == op.Cast {
			return fmt.Sprintf("cast(%s)", b.dtype)
		}
		return fmt.Sprintf("unary(%s)", b.unary)
	case OpBinary:
		return fmt.Sprintf("binary(%s)", b.binary)
	case OpReduce:
		return fmt.Sprintf("reduce(%s, %d)", b.reduce, b.dim)
	case OpLayout:
		return fmt.Sprintf("layout(%s)", b.view)
	case OpConst:
		return fmt.Sprintf("const(%s)", b.value)
	}
	return b.kind.String()
}

// IsRealized reports whether the buffer holds device data.
func (b *Buffer) IsRealized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data != nil
}

// Slice returns the realized data, or nil.
func (b *Buffer) Slice() device.Slice {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// setData attaches data once; later calls are ignored.
func (b *Buffer) setData(s device.Slice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.data = s
	}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("#%d %s %s%v", b.id, b.OpName(), b.dtype, b.shape)
}

// Const returns a buffer filled with value.
func Const(dev device.Device, value tensor.Const, shape tensor.Shape) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	b := newBuffer(dev, OpConst, value.DType, shape)
	b.value = value
	return b, nil
}

// FromHost returns a buffer initialized from host data. The data is copied
// and uploaded when the buffer is realized.
func FromHost[T tensor.WithDType](dev device.Device, data []T, shape tensor.Shape) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, tensor.ShapeErrorf("from host: %d elements for shape %v", len(data), shape)
	}
	b := newBuffer(dev, OpCopy, tensor.DTypeOf[T](), shape)
	b.host = tensor.EncodeBytes(data)
	return b, nil
}

// FromSlice wraps existing contiguous device memory.
func FromSlice(s device.Slice, shape tensor.Shape) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != s.Len() {
		return nil, tensor.ShapeErrorf("from slice: %d elements for shape %v", s.Len(), shape)
	}
	b := newBuffer(s.Device(), OpSlice, s.DType(), shape)
	b.data = s
	return b, nil
}

func sameDevice(op string, a, b *Buffer) error {
	if a.device != b.device {
		return tensor.DeviceErrorf("%s: operands on %s and %s", op, a.device.Name(), b.device.Name())
	}
	return nil
}

// Unary applies an elementwise operation.
func (b *Buffer) Unary(o op.UnaryOp) (*Buffer, error) {
	if o == op.Cast {
		return nil, tensor.DTypeErrorf("unary: use Cast")
	}
	if o.FloatOnly() && !b.dtype.IsFloat() {
		return nil, tensor.DTypeErrorf("%s: unsupported dtype %s", o, b.dtype)
	}
	out := newBuffer(b.device, OpUnary, b.dtype, b.shape, b)
	out.unary = o
	return out, nil
}

// Cast converts elements to dtype.
func (b *Buffer) Cast(dtype tensor.DType) (*Buffer, error) {
	out := newBuffer(b.device, OpUnary, dtype, b.shape, b)
	out.unary = op.Cast
	return out, nil
}

func (b *Buffer) Exp() (*Buffer, error)  { return b.Unary(op.Exp) }
func (b *Buffer) Log() (*Buffer, error)  { return b.Unary(op.Log) }
func (b *Buffer) Neg() (*Buffer, error)  { return b.Unary(op.Neg) }
func (b *Buffer) Sqrt() (*Buffer, error) { return b.Unary(op.Sqrt) }
func (b *Buffer) Abs() (*Buffer, error)  { return b.Unary(op.Abs) }

// Binary applies an elementwise operation to operands of identical shape
// and dtype.
func (b *Buffer) Binary(o op.BinaryOp, rhs *Buffer) (*Buffer, error) {
	if err := sameDevice(o.String(), b, rhs); err != nil {
		return nil, err
	}
	if !b.shape.Equal(rhs.shape) {
		return nil, tensor.ShapeErrorf("%s: shape mismatch %v vs %v", o, b.shape, rhs.shape)
	}
	if b.dtype != rhs.dtype {
		return nil, tensor.DTypeErrorf("%s: dtype mismatch %s vs %s", o, b.dtype, rhs.dtype)
	}
	if o.IntOnly() && !b.dtype.IsInt() {
		return nil, tensor.DTypeErrorf("%s: unsupported dtype %s", o, b.dtype)
	}
	out := newBuffer(b.device, OpBinary, b.dtype, b.shape, b, rhs)
	out.binary = o
	return out, nil
}

// BroadcastBinary broadcasts b and rhs to their common shape and applies o.
func (b *Buffer) BroadcastBinary(o op.BinaryOp, rhs *Buffer) (*Buffer, error) {
	shape, broadcast, err := tensor.BroadcastShapes(b.shape, rhs.shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o, err)
	}
	if !broadcast {
		return b.Binary(o, rhs)
	}
	lhs := b
	if !lhs.shape.Equal(shape) {
		if lhs, err = lhs.Broadcast(shape); err != nil {
			return nil, err
		}
	}
	if !rhs.shape.Equal(shape) {
		if rhs, err = rhs.Broadcast(shape); err != nil {
			return nil, err
		}
	}
	return lhs.Binary(o, rhs)
}

func (b *Buffer) Add(rhs *Buffer) (*Buffer, error)     { return b.Binary(op.Add, rhs) }
func (b *Buffer) Sub(rhs *Buffer) (*Buffer, error)     { return b.Binary(op.Sub, rhs) }
func (b *Buffer) Mul(rhs *Buffer) (*Buffer, error)     { return b.Binary(op.Mul, rhs) }
func (b *Buffer) Div(rhs *Buffer) (*Buffer, error)     { return b.Binary(op.Div, rhs) }
func (b *Buffer) Maximum(rhs *Buffer) (*Buffer, error) { return b.Binary(op.Max, rhs) }
func (b *Buffer) Minimum(rhs *Buffer) (*Buffer, error) { return b.Binary(op.Min, rhs) }

// Reduce folds dimension dim, keeping it with size 1.
func (b *Buffer) Reduce(o op.ReduceOp, dim tensor.D) (*Buffer, error) {
	i, err := dim.Resolve(b.shape.Rank(), o.String())
	if err != nil {
		return nil, err
	}
	shape := b.shape.Clone()
	shape[i] = 1
	out := newBuffer(b.device, OpReduce, b.dtype, shape, b)
	out.reduce = o
	out.dim = i
	return out, nil
}

func (b *Buffer) Sum(dim tensor.D) (*Buffer, error) { return b.Reduce(op.ReduceSum, dim) }
func (b *Buffer) Max(dim tensor.D) (*Buffer, error) { return b.Reduce(op.ReduceMax, dim) }
func (b *Buffer) Min(dim tensor.D) (*Buffer, error) { return b.Reduce(op.ReduceMin, dim) }

// MatMul multiplies (..., m, k) by (..., k, n). Batch dimensions must be
// equal.
func (b *Buffer) MatMul(rhs *Buffer) (*Buffer, error) {
	if err := sameDevice("matmul", b, rhs); err != nil {
		return nil, err
	}
	if b.dtype != rhs.dtype {
		return nil, tensor.DTypeErrorf("matmul: dtype mismatch %s vs %s", b.dtype, rhs.dtype)
	}
	ls, rs := b.shape, rhs.shape
	r := ls.Rank()
	if r < 2 || rs.Rank() != r {
		return nil, tensor.ShapeErrorf("matmul: shapes %v and %v need equal rank >= 2", ls, rs)
	}
	if ls[r-1] != rs[r-2] {
		return nil, tensor.ShapeErrorf("matmul: inner dimension mismatch %v x %v", ls, rs)
	}
	if !ls[:r-2].Equal(rs[:r-2]) {
		return nil, tensor.ShapeErrorf("matmul: batch dimension mismatch %v x %v", ls, rs)
	}
	shape := append(ls[:r-2].Clone(), ls[r-2], rs[r-1])
	return newBuffer(b.device, OpMatMul, b.dtype, shape, b, rhs), nil
}

func (b *Buffer) withView(v View) (*Buffer, error) {
	l, err := v.Apply(tensor.Contiguous(b.shape))
	if err != nil {
		return nil, err
	}
	out := newBuffer(b.device, OpLayout, b.dtype, l.Shape(), b)
	out.view = v
	return out, nil
}

// Reshape changes the shape without changing the element count.
func (b *Buffer) Reshape(shape tensor.Shape) (*Buffer, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return b.withView(View{Kind: ViewReshape, Shape: shape.Clone()})
}

// Transpose swaps two dimensions.
func (b *Buffer) Transpose(d1, d2 tensor.D) (*Buffer, error) {
	return b.withView(View{Kind: ViewTranspose, D1: d1, D2: d2})
}

// Broadcast expands size one and missing leading dimensions to shape.
func (b *Buffer) Broadcast(shape tensor.Shape) (*Buffer, error) {
	return b.withView(View{Kind: ViewBroadcast, Shape: shape.Clone()})
}

// Narrow keeps length elements of dimension dim starting at start.
func (b *Buffer) Narrow(dim tensor.D, start, length int) (*Buffer, error) {
	return b.withView(View{Kind: ViewNarrow, D1: dim, Start: start, Len: length})
}
