// Package interpreter evaluates SSA kernels over host memory.
//
// It is the reference executor: every compiled backend is checked against
// it, and devices without a code generator run kernels through it. Values
// are rounded to their dtype after every instruction so that results match
// native arithmetic: f32 in single precision, f16 and bf16 in half
// precision, i32 wrapping at 32 bits.
package interpreter

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/x448/float16"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// Buffer is the host memory bound to one kernel argument.
type Buffer struct {
	DType tensor.DType
	Data  []byte
}

// Len returns the number of elements.
func (b Buffer) Len() int {
	return len(b.Data) / b.DType.Size()
}

type value struct {
	f float64
	i int64
}

type machine struct {
	k    *ssa.Kernel
	args []Buffer
	vals []value
	// ptrs maps a DefineGlobal instruction to its argument buffer.
	ptrs map[ssa.VarID]int
	// grid coordinates for the current invocation
	block, thread int
}

// Run executes k with args bound to its DefineGlobal instructions in
// argument order. Grid kernels are executed once per block and thread.
func Run(k *ssa.Kernel, args []Buffer) error {
	m := &machine{k: k, args: args, vals: make([]value, len(k.Instrs)), ptrs: map[ssa.VarID]int{}}
	globals := 0
	for i, in := range k.Instrs {
		if in.Kind != ssa.DefineGlobal {
			continue
		}
		globals++
		if in.Index < 0 || in.Index >= len(args) {
			return tensor.DeviceErrorf("kernel argument %d not bound (%d buffers)", in.Index, len(args))
		}
		if got := args[in.Index].DType; got != in.DType {
			return &tensor.TransferError{Op: "kernel argument", Kind: tensor.ErrDTypeMismatch, Want: in.DType.String(), Got: got.String()}
		}
		m.ptrs[ssa.VarID(i)] = in.Index
	}
	if globals != len(args) {
		return &tensor.TransferError{Op: "kernel arguments", Kind: tensor.ErrSizeMismatch,
			Want: strconv.Itoa(globals), Got: strconv.Itoa(len(args))}
	}

	if !k.UsesGrid() {
		return m.exec()
	}
	for b := 0; b < k.GridDim; b++ {
		for t := 0; t < k.BlockDim; t++ {
			m.block, m.thread = b, t
			if err := m.exec(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *machine) arg(a ssa.A) value {
	if a.IsConst {
		return constValue(a.Const)
	}
	return m.vals[a.Var]
}

func (m *machine) argDType(a ssa.A) tensor.DType {
	if a.IsConst {
		return a.Const.DType
	}
	return m.k.Instrs[a.Var].DType
}

func (m *machine) exec() error {
	instrs := m.k.Instrs
	for pc := 0; pc < len(instrs); pc++ {
		in := instrs[pc]
		switch in.Kind {
		case ssa.DefineGlobal:
		case ssa.Special:
			switch in.Special {
			case ssa.BlockIdx:
				m.vals[pc] = value{i: int64(m.block)}
			case ssa.ThreadIdx:
				m.vals[pc] = value{i: int64(m.thread)}
			default:
				m.vals[pc] = value{i: int64(m.k.BlockDim)}
			}
		case ssa.Const, ssa.DefineAcc:
			m.vals[pc] = constValue(in.Value)
		case ssa.Assign:
			m.vals[in.Ptr] = m.arg(in.X)
		case ssa.Range:
			lo, hi := m.arg(in.X).i, m.arg(in.Y).i
			if lo >= hi {
				pc = in.Jump
				continue
			}
			m.vals[pc] = value{i: lo}
		case ssa.EndRange:
			start := in.Jump
			next := m.vals[start].i + 1
			if next < m.arg(instrs[start].Y).i {
				m.vals[start].i = next
				pc = start
			}
		case ssa.If:
			if !(m.arg(in.X).i < m.arg(in.Y).i) {
				pc = in.Jump
			}
		case ssa.EndIf:
		case ssa.Load:
			v, err := m.load(m.ptrs[in.Ptr], m.arg(in.X).i)
			if err != nil {
				return err
			}
			m.vals[pc] = v
		case ssa.Store:
			if err := m.store(m.ptrs[in.Ptr], m.arg(in.X).i, m.arg(in.Y)); err != nil {
				return err
			}
		case ssa.Unary:
			v, err := unary(in.UnaryOp, m.argDType(in.X), in.DType, m.arg(in.X))
			if err != nil {
				return err
			}
			m.vals[pc] = v
		case ssa.Binary:
			v, err := binaryOp(in.BinaryOp, in.DType, m.arg(in.X), m.arg(in.Y))
			if err != nil {
				return err
			}
			m.vals[pc] = v
		default:
			return tensor.InternalErrorf("interpreter: unknown instruction %s at %d", in.Kind, pc)
		}
	}
	return nil
}

func (m *machine) load(arg int, off int64) (value, error) {
	buf := m.args[arg]
	if off < 0 || off >= int64(buf.Len()) {
		return value{}, tensor.DeviceErrorf("load out of bounds: argument %d offset %d length %d", arg, off, buf.Len())
	}
	return readElement(buf.DType, buf.Data, int(off)), nil
}

func (m *machine) store(arg int, off int64, v value) error {
	buf := m.args[arg]
	if off < 0 || off >= int64(buf.Len()) {
		return tensor.DeviceErrorf("store out of bounds: argument %d offset %d length %d", arg, off, buf.Len())
	}
	writeElement(buf.DType, buf.Data, int(off), v)
	return nil
}

// readElement decodes element i of a little-endian buffer.
func readElement(dtype tensor.DType, data []byte, i int) value {
	switch dtype {
	case tensor.F16:
		return value{f: float64(float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32())}
	case tensor.BF16:
		return value{f: float64(tensor.BFloat16(binary.LittleEndian.Uint16(data[2*i:])).Float32())}
	case tensor.F32:
		return value{f: float64(math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:])))}
	case tensor.I32:
		return value{i: int64(int32(binary.LittleEndian.Uint32(data[4*i:])))}
	default:
		return value{i: int64(binary.LittleEndian.Uint64(data[8*i:]))}
	}
}

func writeElement(dtype tensor.DType, data []byte, i int, v value) {
	switch dtype {
	case tensor.F16:
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(float32(v.f)).Bits())
	case tensor.BF16:
		binary.LittleEndian.PutUint16(data[2*i:], uint16(tensor.BFloat16FromFloat32(float32(v.f))))
	case tensor.F32:
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(float32(v.f)))
	case tensor.I32:
		binary.LittleEndian.PutUint32(data[4*i:], uint32(int32(v.i)))
	default:
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v.i))
	}
}

// round narrows a float result to the precision of dtype and wraps an
// integer result to its width.
func round(dtype tensor.DType, v value) value {
	switch dtype {
	case tensor.F16:
		return value{f: float64(float16.Fromfloat32(float32(v.f)).Float32())}
	case tensor.BF16:
		return value{f: float64(tensor.BFloat16FromFloat32(float32(v.f)).Float32())}
	case tensor.F32:
		return value{f: float64(float32(v.f))}
	case tensor.I32:
		return value{i: int64(int32(v.i))}
	default:
		return v
	}
}

func unary(o op.UnaryOp, src, dst tensor.DType, x value) (value, error) {
	if o == op.Cast {
		switch {
		case src.IsFloat() && dst.IsInt():
			return round(dst, value{i: truncate(x.f)}), nil
		case src.IsInt() && dst.IsFloat():
			return round(dst, value{f: float64(x.i)}), nil
		default:
			return round(dst, x), nil
		}
	}
	if dst.IsInt() {
		switch o {
		case op.Neg:
			return round(dst, value{i: -x.i}), nil
		case op.Abs:
			if x.i < 0 {
				return round(dst, value{i: -x.i}), nil
			}
			return x, nil
		case op.Id:
			return x, nil
		}
		return value{}, tensor.LoweringErrorf("interpreter: %s is not defined on %s", o, dst)
	}
	var f float64
	switch o {
	case op.Neg:
		f = -x.f
	case op.Exp:
		f = math.Exp(x.f)
	case op.Log:
		f = math.Log(x.f)
	case op.Sqrt:
		f = math.Sqrt(x.f)
	case op.Abs:
		f = math.Abs(x.f)
	case op.Sin:
		f = math.Sin(x.f)
	case op.Cos:
		f = math.Cos(x.f)
	case op.Tanh:
		f = math.Tanh(x.f)
	case op.Recip:
		f = 1 / x.f
	case op.Id:
		f = x.f
	default:
		return value{}, tensor.LoweringErrorf("interpreter: unknown unary op %s", o)
	}
	return round(dst, value{f: f}), nil
}

func binaryOp(o op.BinaryOp, dtype tensor.DType, x, y value) (value, error) {
	if dtype.IsInt() {
		var r int64
		switch o {
		case op.Add:
			r = x.i + y.i
		case op.Sub:
			r = x.i - y.i
		case op.Mul:
			r = x.i * y.i
		case op.Div, op.Rem:
			if y.i == 0 {
				return value{}, tensor.DeviceErrorf("integer division by zero")
			}
			if o == op.Div {
				r = x.i / y.i
			} else {
				r = x.i % y.i
			}
		case op.Max:
			r = y.i
			if x.i > y.i {
				r = x.i
			}
		case op.Min:
			r = y.i
			if x.i < y.i {
				r = x.i
			}
		default:
			return value{}, tensor.LoweringErrorf("interpreter: unknown binary op %s", o)
		}
		return round(dtype, value{i: r}), nil
	}
	var f float64
	switch o {
	case op.Add:
		f = x.f + y.f
	case op.Sub:
		f = x.f - y.f
	case op.Mul:
		f = x.f * y.f
	case op.Div:
		f = x.f / y.f
	case op.Max:
		// Matches the generated (a > b ? a : b) on every backend.
		f = y.f
		if x.f > y.f {
			f = x.f
		}
	case op.Min:
		f = y.f
		if x.f < y.f {
			f = x.f
		}
	default:
		return value{}, tensor.LoweringErrorf("interpreter: %s is not defined on %s", o, dtype)
	}
	return round(dtype, value{f: f}), nil
}

func truncate(f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	return int64(math.Trunc(f))
}

func constValue(c tensor.Const) value {
	return round(c.DType, value{f: c.F, i: c.I})
}
