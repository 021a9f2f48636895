// Package op defines the pre-lowering operation tree of a fused kernel.
//
// A Kernel is a list of stores; each store writes an expression tree (Ast)
// to a kernel argument through a layout. Loads read kernel arguments through
// their own layouts, which may broadcast, transpose or narrow the backing
// storage. Every node knows its dtype and logical shape, and the builders
// validate them so that lowering never sees ill-typed trees.
package op

import (
	"fmt"

	"github.com/born-ml/ug/internal/tensor"
)

// ArgID indexes a kernel argument.
type ArgID int

// UnaryOp is an elementwise single-operand operation.
type UnaryOp int

// Unary operations.
const (
	Neg UnaryOp = iota
	Exp
	Log
	Sqrt
	Abs
	Sin
	Cos
	Tanh
	Recip
	Cast
	Id
)

var unaryNames = [...]string{"neg", "exp", "log", "sqrt", "abs", "sin", "cos", "tanh", "recip", "cast", "id"}

func (o UnaryOp) String() string {
	if int(o) < len(unaryNames) {
		return unaryNames[o]
	}
	return fmt.Sprintf("unary(%d)", int(o))
}

// FloatOnly reports whether the operation is only defined on float dtypes.
func (o UnaryOp) FloatOnly() bool {
	switch o {
	case Exp, Log, Sqrt, Sin, Cos, Tanh, Recip:
		return true
	}
	return false
}

// BinaryOp is an elementwise two-operand operation.
type BinaryOp int

// Binary operations.
const (
	Add BinaryOp = iota
	Sub
	Mul
	Div
	Max
	Min
	Rem
)

var binaryNames = [...]string{"add", "sub", "mul", "div", "max", "min", "rem"}

func (o BinaryOp) String() string {
	if int(o) < len(binaryNames) {
		return binaryNames[o]
	}
	return fmt.Sprintf("binary(%d)", int(o))
}

// IntOnly reports whether the operation is only defined on integer dtypes.
func (o BinaryOp) IntOnly() bool {
	return o == Rem
}

// ReduceOp is a reduction along one dimension.
type ReduceOp int

// Reduce operations.
const (
	ReduceSum ReduceOp = iota
	ReduceMax
	ReduceMin
)

var reduceNames = [...]string{"sum", "max", "min"}

func (o ReduceOp) String() string {
	if int(o) < len(reduceNames) {
		return reduceNames[o]
	}
	return fmt.Sprintf("reduce(%d)", int(o))
}

// Identity returns the accumulator's initial value.
func (o ReduceOp) Identity(dtype tensor.DType) tensor.Const {
	switch o {
	case ReduceMax:
		return tensor.ConstMin(dtype)
	case ReduceMin:
		return tensor.ConstMax(dtype)
	default:
		return tensor.ConstZero(dtype)
	}
}

// Combine returns the binary operation folding one element into the
// accumulator.
func (o ReduceOp) Combine() BinaryOp {
	switch o {
	case ReduceMax:
		return Max
	case ReduceMin:
		return Min
	default:
		return Add
	}
}

// Ast is a node of an operation tree.
type Ast interface {
	DType() tensor.DType
	Shape() tensor.Shape
	isAst()
}

// Load reads argument Arg through Layout.
type Load struct {
	Arg    ArgID
	Layout *tensor.Layout
	Type   tensor.DType
}

// ConstNode is a scalar broadcast to Dims.
type ConstNode struct {
	Value tensor.Const
	Dims  tensor.Shape
}

// Unary applies Op to X. Type is the result dtype, which only differs from
// X's dtype for Cast.
type Unary struct {
	Op   UnaryOp
	X    Ast
	Type tensor.DType
}

// Binary applies Op to two operands of identical shape and dtype.
type Binary struct {
	Op       BinaryOp
	Lhs, Rhs Ast
}

// Reduce folds X along Dim. The reduced dimension is kept with size 1.
type Reduce struct {
	Op  ReduceOp
	X   Ast
	Dim int
}

func (n *Load) DType() tensor.DType      { return n.Type }
func (n *Load) Shape() tensor.Shape      { return n.Layout.Shape() }
func (n *ConstNode) DType() tensor.DType { return n.Value.DType }
func (n *ConstNode) Shape() tensor.Shape { return n.Dims }
func (n *Unary) DType() tensor.DType     { return n.Type }
func (n *Unary) Shape() tensor.Shape     { return n.X.Shape() }
func (n *Binary) DType() tensor.DType    { return n.Lhs.DType() }
func (n *Binary) Shape() tensor.Shape    { return n.Lhs.Shape() }
func (n *Reduce) DType() tensor.DType    { return n.X.DType() }

func (n *Reduce) Shape() tensor.Shape {
	s := n.X.Shape().Clone()
	s[n.Dim] = 1
	return s
}

func (*Load) isAst()      {}
func (*ConstNode) isAst() {}
func (*Unary) isAst()     {}
func (*Binary) isAst()    {}
func (*Reduce) isAst()    {}

// NewLoad builds a load node.
func NewLoad(arg ArgID, layout *tensor.Layout, dtype tensor.DType) *Load {
	return &Load{Arg: arg, Layout: layout, Type: dtype}
}

// NewConst builds a constant node of the given shape.
func NewConst(value tensor.Const, shape tensor.Shape) *ConstNode {
	return &ConstNode{Value: value, Dims: shape.Clone()}
}

// NewUnary builds a unary node. Float-only operations on integer operands
// fail with a dtype error.
func NewUnary(o UnaryOp, x Ast) (Ast, error) {
	if o == Cast {
		return nil, tensor.DTypeErrorf("%s: use NewCast", o)
	}
	if o.FloatOnly() && !x.DType().IsFloat() {
		return nil, tensor.DTypeErrorf("%s: unsupported dtype %s", o, x.DType())
	}
	return &Unary{Op: o, X: x, Type: x.DType()}, nil
}

// NewCast converts x to dtype.
func NewCast(x Ast, dtype tensor.DType) Ast {
	if x.DType() == dtype {
		return x
	}
	return &Unary{Op: Cast, X: x, Type: dtype}
}

// NewBinary builds a binary node; operands must agree on shape and dtype.
func NewBinary(o BinaryOp, lhs, rhs Ast) (Ast, error) {
	if !lhs.Shape().Equal(rhs.Shape()) {
		return nil, tensor.ShapeErrorf("%s: shape mismatch %v vs %v", o, lhs.Shape(), rhs.Shape())
	}
	if lhs.DType() != rhs.DType() {
		return nil, tensor.DTypeErrorf("%s: dtype mismatch %s vs %s", o, lhs.DType(), rhs.DType())
	}
	if o.IntOnly() && !lhs.DType().IsInt() {
		return nil, tensor.DTypeErrorf("%s: unsupported dtype %s", o, lhs.DType())
	}
	return &Binary{Op: o, Lhs: lhs, Rhs: rhs}, nil
}

// NewReduce builds a reduction of x along dim.
func NewReduce(o ReduceOp, x Ast, dim tensor.D) (Ast, error) {
	i, err := dim.Resolve(x.Shape().Rank(), o.String())
	if err != nil {
		return nil, err
	}
	return &Reduce{Op: o, X: x, Dim: i}, nil
}

// Walk visits n and its operands depth-first, operands before parents.
func Walk(n Ast, fn func(Ast)) {
	switch n := n.(type) {
	case *Unary:
		Walk(n.X, fn)
	case *Binary:
		Walk(n.Lhs, fn)
		Walk(n.Rhs, fn)
	case *Reduce:
		Walk(n.X, fn)
	}
	fn(n)
}
