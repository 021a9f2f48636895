// Package codegen translates SSA kernels into source code for C-family
// kernel languages.
//
// Generate walks the instruction list once. Every value becomes a local
// named v<index>, loops become for statements and grid guards become if
// statements. The target language is described by a Dialect; CStyle holds
// the parts that C, CUDA and Metal share.
package codegen

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// Dialect renders the language-specific pieces of a kernel.
type Dialect interface {
	// Preamble is emitted once before the kernel, e.g. includes and helpers.
	Preamble(k *ssa.Kernel) string
	// Header opens the kernel function and binds argument i to ArgName(i).
	Header(name string, k *ssa.Kernel) (string, error)
	// ValueType is the register type used for values of dtype.
	ValueType(dtype tensor.DType) (string, error)
	// Declare introduces a local. Accumulators are mutable.
	Declare(typ, name, expr string, mutable bool) string
	Loop(v, lo, hi string) string
	Special(s ssa.SpecialKind) (string, error)
	Literal(c tensor.Const) string
	Load(dtype tensor.DType, ptr, idx string) string
	Store(dtype tensor.DType, ptr, idx, val string) string
	Unary(o op.UnaryOp, dtype tensor.DType, x string) (string, error)
	Binary(o op.BinaryOp, dtype tensor.DType, x, y string) string
	Cast(from, to tensor.DType, x string) (string, error)
	// Round narrows a value computed at higher precision to dtype.
	Round(dtype tensor.DType, x string) string
}

// ArgName is the identifier bound to kernel argument i.
func ArgName(i int) string { return "arg" + strconv.Itoa(i) }

// VarName is the identifier of the value defined by instruction v.
func VarName(v ssa.VarID) string { return "v" + strconv.Itoa(int(v)) }

type generator struct {
	d      Dialect
	k      *ssa.Kernel
	buf    bytes.Buffer
	depth  int
	global map[ssa.VarID]int
}

// Generate renders k as a kernel function called name.
func Generate(d Dialect, k *ssa.Kernel, name string) (string, error) {
	if err := k.Validate(); err != nil {
		return "", err
	}
	g := &generator{d: d, k: k, global: map[ssa.VarID]int{}}
	g.buf.WriteString(d.Preamble(k))
	header, err := d.Header(name, k)
	if err != nil {
		return "", err
	}
	g.buf.WriteString(header)
	g.buf.WriteByte('\n')
	g.depth = 1
	for i, in := range k.Instrs {
		if err := g.instr(ssa.VarID(i), in); err != nil {
			return "", fmt.Errorf("generating %s: instruction %d (%s): %w", name, i, in, err)
		}
	}
	g.buf.WriteString("}\n")
	return g.buf.String(), nil
}

func (g *generator) line(format string, args ...any) {
	g.buf.WriteString(strings.Repeat("  ", g.depth))
	fmt.Fprintf(&g.buf, format, args...)
	g.buf.WriteByte('\n')
}

func (g *generator) arg(a ssa.A) string {
	if a.IsConst {
		return g.d.Round(a.Const.DType, g.d.Literal(a.Const))
	}
	return VarName(a.Var)
}

func (g *generator) dtypeOf(a ssa.A) tensor.DType {
	if a.IsConst {
		return a.Const.DType
	}
	return g.k.Instrs[a.Var].DType
}

func (g *generator) declare(v ssa.VarID, dtype tensor.DType, expr string, mutable bool) error {
	typ, err := g.d.ValueType(dtype)
	if err != nil {
		return err
	}
	g.line("%s", g.d.Declare(typ, VarName(v), expr, mutable))
	return nil
}

func (g *generator) instr(v ssa.VarID, in ssa.Instr) error {
	switch in.Kind {
	case ssa.DefineGlobal:
		g.global[v] = in.Index
	case ssa.Special:
		s, err := g.d.Special(in.Special)
		if err != nil {
			return err
		}
		return g.declare(v, ssa.IndexDType, s, false)
	case ssa.Const:
		return g.declare(v, in.Value.DType, g.d.Round(in.Value.DType, g.d.Literal(in.Value)), false)
	case ssa.DefineAcc:
		return g.declare(v, in.Value.DType, g.d.Round(in.Value.DType, g.d.Literal(in.Value)), true)
	case ssa.Assign:
		g.line("%s = %s;", VarName(in.Ptr), g.arg(in.X))
	case ssa.Range:
		g.line("%s", g.d.Loop(VarName(v), g.arg(in.X), g.arg(in.Y)))
		g.depth++
	case ssa.If:
		g.line("if (%s < %s) {", g.arg(in.X), g.arg(in.Y))
		g.depth++
	case ssa.EndRange, ssa.EndIf:
		g.depth--
		g.line("}")
	case ssa.Load:
		return g.declare(v, in.DType, g.d.Load(in.DType, ArgName(g.global[in.Ptr]), g.arg(in.X)), false)
	case ssa.Store:
		g.line("%s", g.d.Store(in.DType, ArgName(g.global[in.Ptr]), g.arg(in.X), g.arg(in.Y)))
	case ssa.Unary:
		var (
			expr string
			err  error
		)
		if in.UnaryOp == op.Cast {
			expr, err = g.d.Cast(g.dtypeOf(in.X), in.DType, g.arg(in.X))
		} else {
			expr, err = g.d.Unary(in.UnaryOp, in.DType, g.arg(in.X))
		}
		if err != nil {
			return err
		}
		if in.UnaryOp != op.Cast {
			expr = g.d.Round(in.DType, expr)
		}
		return g.declare(v, in.DType, expr, false)
	case ssa.Binary:
		expr := g.d.Round(in.DType, g.d.Binary(in.BinaryOp, in.DType, g.arg(in.X), g.arg(in.Y)))
		return g.declare(v, in.DType, expr, false)
	default:
		return tensor.CompileErrorf("unsupported instruction kind %s", in.Kind)
	}
	return nil
}

// CStyle implements the Dialect methods shared by C, CUDA and Metal.
// Embedders provide Preamble, Header, ValueType, Special, Load, Store,
// Cast and Round.
type CStyle struct {
	// Math maps float unary operations to function names, e.g. Exp to
	// "expf". Missing entries fall back to the operation name.
	Math map[op.UnaryOp]string
	// FloatSuffix is appended to float literals, e.g. "f".
	FloatSuffix string
	// Inf is the spelling of positive infinity.
	Inf string
	// NaN is the spelling of a quiet NaN.
	NaN string
	// Fault is an expression that records an integer division by zero,
	// e.g. "(*ug_fault = 1)". Dialects bind FaultName in Header when
	// DividesIntegers reports true.
	Fault string
}

// FaultName is the kernel-local pointer to the integer division fault flag.
const FaultName = "ug_fault"

// DividesIntegers reports whether k has an integer division or remainder.
// Such kernels take a trailing fault flag argument that is set to a
// non-zero value when a divisor is zero.
func DividesIntegers(k *ssa.Kernel) bool {
	for _, in := range k.Instrs {
		if in.Kind == ssa.Binary && in.DType.IsInt() && (in.BinaryOp == op.Div || in.BinaryOp == op.Rem) {
			return true
		}
	}
	return false
}

func (CStyle) Declare(typ, name, expr string, _ bool) string {
	return fmt.Sprintf("%s %s = %s;", typ, name, expr)
}

func (CStyle) Loop(v, lo, hi string) string {
	return fmt.Sprintf("for (int %s = %s; %s < %s; ++%s) {", v, lo, v, hi, v)
}

func (c CStyle) Literal(k tensor.Const) string {
	switch k.DType {
	case tensor.I32:
		if k.I == math.MinInt32 {
			return "(-2147483647 - 1)"
		}
		return strconv.FormatInt(k.I, 10)
	case tensor.I64:
		if k.I == math.MinInt64 {
			return "(-9223372036854775807LL - 1)"
		}
		return strconv.FormatInt(k.I, 10) + "LL"
	}
	return c.FloatLiteral(k.F)
}

// FloatLiteral spells f as a single-precision literal.
func (c CStyle) FloatLiteral(f float64) string {
	switch {
	case math.IsNaN(f):
		return c.NaN
	case math.IsInf(f, 1):
		return c.Inf
	case math.IsInf(f, -1):
		return "(-" + c.Inf + ")"
	}
	s := strconv.FormatFloat(f, 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s + c.FloatSuffix
}

func (c CStyle) Unary(o op.UnaryOp, dtype tensor.DType, x string) (string, error) {
	switch o {
	case op.Neg:
		return "(-" + x + ")", nil
	case op.Id:
		return x, nil
	case op.Abs:
		if dtype.IsInt() {
			return fmt.Sprintf("(%s < 0 ? -%s : %s)", x, x, x), nil
		}
	case op.Recip:
		if dtype.IsFloat() {
			return fmt.Sprintf("(%s / %s)", c.FloatLiteral(1), x), nil
		}
	}
	if !dtype.IsFloat() {
		return "", tensor.LoweringErrorf("%s is not defined on %s", o, dtype)
	}
	fn, ok := c.Math[o]
	if !ok {
		fn = o.String()
	}
	return fmt.Sprintf("%s(%s)", fn, x), nil
}

func (c CStyle) Binary(o op.BinaryOp, dtype tensor.DType, x, y string) string {
	if dtype.IsInt() && (o == op.Div || o == op.Rem) {
		return c.intDivision(o, dtype, x, y)
	}
	switch o {
	case op.Add:
		return fmt.Sprintf("(%s + %s)", x, y)
	case op.Sub:
		return fmt.Sprintf("(%s - %s)", x, y)
	case op.Mul:
		return fmt.Sprintf("(%s * %s)", x, y)
	case op.Div:
		return fmt.Sprintf("(%s / %s)", x, y)
	case op.Rem:
		return fmt.Sprintf("(%s %% %s)", x, y)
	case op.Max:
		return fmt.Sprintf("(%s > %s ? %s : %s)", x, y, x, y)
	case op.Min:
		return fmt.Sprintf("(%s < %s ? %s : %s)", x, y, x, y)
	}
	return fmt.Sprintf("/* %s */ 0", o)
}

// intDivision guards x / y and x % y against the two cases that trap on
// most hardware. A zero divisor yields 0 and raises Fault; dividing the
// minimum value by -1 wraps around.
func (c CStyle) intDivision(o op.BinaryOp, dtype tensor.DType, x, y string) string {
	zero := "0"
	if c.Fault != "" {
		zero = "(" + c.Fault + ", 0)"
	}
	sym, byMinusOne := "%", "0"
	if o == op.Div {
		sym = "/"
		byMinusOne = fmt.Sprintf("(%s == %s ? %s : (0 - %s))", x, c.Literal(tensor.ConstMin(dtype)), x, x)
	}
	return fmt.Sprintf("(%s == 0 ? %s : %s == -1 ? %s : %s %s %s)", y, zero, y, byMinusOne, x, sym, y)
}

// ArgDTypes returns the element dtype of every kernel argument in order.
func ArgDTypes(k *ssa.Kernel) []tensor.DType {
	args := k.Args()
	out := make([]tensor.DType, len(args))
	for i, a := range args {
		out[i] = a.DType
	}
	return out
}

// Identifier turns a kernel name into a C identifier with the ug_ prefix,
// so kernels never collide with library functions such as exp. It is
// idempotent.
func Identifier(name string) string {
	if name == "" {
		name = "kernel"
	}
	var sb strings.Builder
	if !strings.HasPrefix(name, "ug_") {
		sb.WriteString("ug_")
	}
	for _, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
