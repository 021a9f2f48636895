// Package ssa defines the backend-neutral kernel IR.
//
// A Kernel is a flat list of instructions. Instruction i defines the value
// VarID(i); operands only ever name earlier instructions, so a single
// forward pass over the list evaluates or translates the kernel. Loops are
// bracketed by Range/EndRange markers and bounds checks by If/EndIf.
// Reductions keep a running value in an accumulator slot created by
// DefineAcc and updated by Assign; ordinary values are never redefined.
package ssa

import (
	"fmt"
	"strings"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/tensor"
)

// VarID names the value defined by the instruction at that index.
type VarID int

// IndexDType is the dtype of loop variables and offsets.
const IndexDType = tensor.I32

// A is an instruction operand: either a variable or an immediate constant.
type A struct {
	IsConst bool
	Var     VarID
	Const   tensor.Const
}

// V returns a variable operand.
func V(v VarID) A { return A{Var: v} }

// C returns a constant operand.
func C(c tensor.Const) A { return A{IsConst: true, Const: c} }

// I returns an index constant operand.
//
// i must fit in IndexDType; lower.Lower rejects kernels whose indices do
// not.
func I(i int) A { return C(tensor.ConstI32(int32(i))) }

func (a A) String() string {
	if a.IsConst {
		return a.Const.String()
	}
	return fmt.Sprintf("%%%d", a.Var)
}

// Kind is an instruction opcode.
type Kind int

// Instruction kinds.
const (
	DefineGlobal Kind = iota // pointer to kernel argument Index
	Special                  // grid coordinate, see SpecialKind
	Const                    // materialized constant Value
	DefineAcc                // accumulator slot initialized to Value
	Assign                   // Ptr (accumulator) = X
	Range                    // loop variable over [X, Y); Jump is the EndRange
	EndRange                 // Jump is the matching Range
	If                       // executes the block when X < Y; Jump is the EndIf
	EndIf                    // Jump is the matching If
	Load                     // Ptr[X]
	Store                    // Ptr[X] = Y
	Unary                    // UnaryOp(X)
	Binary                   // BinaryOp(X, Y)
)

var kindNames = [...]string{
	"define_global", "special", "const", "define_acc", "assign", "range",
	"end_range", "if", "end_if", "load", "store", "unary", "binary",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HasValue reports whether instructions of this kind define a value that
// later instructions may reference.
func (k Kind) HasValue() bool {
	switch k {
	case Assign, EndRange, If, EndIf, Store:
		return false
	}
	return true
}

// SpecialKind selects a grid coordinate.
type SpecialKind int

// Grid coordinates along the x axis.
const (
	BlockIdx SpecialKind = iota
	ThreadIdx
	BlockDim
)

func (s SpecialKind) String() string {
	switch s {
	case BlockIdx:
		return "block_idx"
	case ThreadIdx:
		return "thread_idx"
	default:
		return "block_dim"
	}
}

// Instr is one instruction. Which fields are meaningful depends on Kind.
type Instr struct {
	Kind     Kind
	DType    tensor.DType
	Index    int // DefineGlobal argument position
	Special  SpecialKind
	Value    tensor.Const // Const and DefineAcc
	Ptr      VarID        // Load, Store, Assign
	X, Y     A
	Jump     int
	UnaryOp  op.UnaryOp
	BinaryOp op.BinaryOp
}

func (in Instr) String() string {
	switch in.Kind {
	case DefineGlobal:
		return fmt.Sprintf("define_global %d *%s", in.Index, in.DType)
	case Special:
		return fmt.Sprintf("special %s", in.Special)
	case Const:
		return fmt.Sprintf("const %s", in.Value)
	case DefineAcc:
		return fmt.Sprintf("define_acc %s", in.Value)
	case Assign:
		return fmt.Sprintf("assign %%%d <- %s", in.Ptr, in.X)
	case Range:
		return fmt.Sprintf("range %s..%s (end %d)", in.X, in.Y, in.Jump)
	case EndRange:
		return fmt.Sprintf("end_range (start %d)", in.Jump)
	case If:
		return fmt.Sprintf("if %s < %s (end %d)", in.X, in.Y, in.Jump)
	case EndIf:
		return fmt.Sprintf("end_if (start %d)", in.Jump)
	case Load:
		return fmt.Sprintf("load %%%d[%s] %s", in.Ptr, in.X, in.DType)
	case Store:
		return fmt.Sprintf("store %%%d[%s] <- %s %s", in.Ptr, in.X, in.Y, in.DType)
	case Unary:
		if in.UnaryOp == op.Cast {
			return fmt.Sprintf("cast %s -> %s", in.X, in.DType)
		}
		return fmt.Sprintf("%s %s %s", in.UnaryOp, in.X, in.DType)
	case Binary:
		return fmt.Sprintf("%s %s %s %s", in.BinaryOp, in.X, in.Y, in.DType)
	}
	return in.Kind.String()
}

// Kernel is a lowered kernel.
type Kernel struct {
	Instrs []Instr
	// GridDim and BlockDim are the launch dimensions for grid devices. Both
	// are zero for kernels lowered for flat execution.
	GridDim  int
	BlockDim int
}

// Args returns the DefineGlobal instructions ordered by argument index.
func (k *Kernel) Args() []Instr {
	var args []Instr
	for _, in := range k.Instrs {
		if in.Kind == DefineGlobal {
			args = append(args, in)
		}
	}
	for i := 1; i < len(args); i++ {
		for j := i; j > 0 && args[j].Index < args[j-1].Index; j-- {
			args[j], args[j-1] = args[j-1], args[j]
		}
	}
	return args
}

// UsesGrid reports whether the kernel expects a grid launch.
func (k *Kernel) UsesGrid() bool {
	return k.BlockDim > 0
}

// String renders one instruction per line as "%3 = load %0[%2] f32".
func (k *Kernel) String() string {
	var sb strings.Builder
	if k.UsesGrid() {
		fmt.Fprintf(&sb, "; grid %d block %d\n", k.GridDim, k.BlockDim)
	}
	depth := 0
	for i, in := range k.Instrs {
		if in.Kind == EndRange || in.Kind == EndIf {
			depth--
		}
		sb.WriteString(strings.Repeat("  ", depth))
		if in.Kind.HasValue() {
			fmt.Fprintf(&sb, "%%%d = ", i)
		}
		sb.WriteString(in.String())
		sb.WriteByte('\n')
		if in.Kind == Range || in.Kind == If {
			depth++
		}
	}
	return sb.String()
}
