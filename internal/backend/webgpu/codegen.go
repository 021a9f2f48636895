package webgpu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/born-ml/ug/internal/codegen"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// wgslDialect emits WGSL compute shaders. WGSL has no ternary operator or
// infinity literal, so those pieces of CStyle are replaced.
type wgslDialect struct {
	codegen.CStyle
	blockDim int
}

func newDialect(blockDim int) wgslDialect {
	return wgslDialect{
		CStyle: codegen.CStyle{
			Math: map[op.UnaryOp]string{
				op.Exp:  "exp",
				op.Log:  "log",
				op.Sqrt: "sqrt",
				op.Abs:  "abs",
				op.Sin:  "sin",
				op.Cos:  "cos",
				op.Tanh: "tanh",
			},
			FloatSuffix: "f",
			Inf:         "bitcast<f32>(0x7f800000u)",
			NaN:         "bitcast<f32>(0x7fffffffu)",
		},
		blockDim: blockDim,
	}
}

func storageType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F32:
		return "f32", nil
	case tensor.I32:
		return "i32", nil
	}
	return "", tensor.DTypeErrorf("webgpu: unsupported dtype %s", dtype)
}

// Preamble binds argument i to storage binding i of group 0.
func (wgslDialect) Preamble(k *ssa.Kernel) string {
	var sb strings.Builder
	for i, dtype := range codegen.ArgDTypes(k) {
		typ, err := storageType(dtype)
		if err != nil {
			// Reported by Header.
			continue
		}
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> %s: array<%s>;\n", i, codegen.ArgName(i), typ)
	}
	sb.WriteByte('\n')
	return sb.String()
}

func (d wgslDialect) Header(name string, k *ssa.Kernel) (string, error) {
	for _, dtype := range codegen.ArgDTypes(k) {
		if _, err := storageType(dtype); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("@compute @workgroup_size(%d)\nfn %s(@builtin(workgroup_id) ug_block: vec3<u32>, "+
		"@builtin(local_invocation_id) ug_thread: vec3<u32>) {", d.blockDim, name), nil
}

func (wgslDialect) ValueType(dtype tensor.DType) (string, error) { return storageType(dtype) }

func (wgslDialect) Declare(typ, name, expr string, mutable bool) string {
	kw := "let"
	if mutable {
		kw = "var"
	}
	return fmt.Sprintf("%s %s: %s = %s;", kw, name, typ, expr)
}

func (wgslDialect) Loop(v, lo, hi string) string {
	return fmt.Sprintf("for (var %s: i32 = %s; %s < %s; %s++) {", v, lo, v, hi, v)
}

func (d wgslDialect) Special(s ssa.SpecialKind) (string, error) {
	switch s {
	case ssa.BlockIdx:
		return "i32(ug_block.x)", nil
	case ssa.ThreadIdx:
		return "i32(ug_thread.x)", nil
	default:
		return strconv.Itoa(d.blockDim), nil
	}
}

func (wgslDialect) Load(_ tensor.DType, ptr, idx string) string {
	return fmt.Sprintf("%s[%s]", ptr, idx)
}

func (wgslDialect) Store(_ tensor.DType, ptr, idx, val string) string {
	return fmt.Sprintf("%s[%s] = %s;", ptr, idx, val)
}

func (d wgslDialect) Unary(o op.UnaryOp, dtype tensor.DType, x string) (string, error) {
	if o == op.Abs {
		return "abs(" + x + ")", nil
	}
	return d.CStyle.Unary(o, dtype, x)
}

func (d wgslDialect) Binary(o op.BinaryOp, dtype tensor.DType, x, y string) string {
	switch o {
	case op.Max:
		return fmt.Sprintf("max(%s, %s)", x, y)
	case op.Min:
		return fmt.Sprintf("min(%s, %s)", x, y)
	case op.Div:
		// Integer division by zero is defined in WGSL and yields x.
		return fmt.Sprintf("(%s / %s)", x, y)
	case op.Rem:
		return fmt.Sprintf("(%s %% %s)", x, y)
	}
	return d.CStyle.Binary(o, dtype, x, y)
}

func (d wgslDialect) Cast(from, to tensor.DType, x string) (string, error) {
	typ, err := d.ValueType(to)
	if err != nil {
		return "", err
	}
	if from == to {
		return x, nil
	}
	return fmt.Sprintf("%s(%s)", typ, x), nil
}

func (wgslDialect) Round(_ tensor.DType, x string) string { return x }

// EntryPoint is the shader function name for a kernel.
func EntryPoint(name string) string { return codegen.Identifier(name) }

// GenerateWGSL renders a grid-lowered f32/i32 kernel as a WGSL compute
// shader with the entry point EntryPoint(name).
func GenerateWGSL(k *ssa.Kernel, name string) (string, error) {
	if !k.UsesGrid() {
		return "", tensor.CompileErrorf("webgpu: kernel %s was not lowered for a grid", name)
	}
	return codegen.Generate(newDialect(k.BlockDim), k, EntryPoint(name))
}
