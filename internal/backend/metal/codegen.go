package metal

import (
	"fmt"
	"strings"

	"github.com/born-ml/ug/internal/codegen"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// bf16 is stored as ushort and widened by shifting into the high half of
// a float, so the generated code does not depend on MSL 3.1 bfloat.
const mslPreamble = `#include <metal_stdlib>
using namespace metal;

inline float ug_bf16_to_f32(ushort h) { return as_type<float>(uint(h) << 16); }
inline ushort ug_f32_to_bf16(float f) { return ushort(as_type<uint>(f) >> 16); }
inline float ug_round_f16(float x) { return float(half(x)); }
inline float ug_round_bf16(float x) { return ug_bf16_to_f32(ug_f32_to_bf16(x)); }

`

type mslDialect struct {
	codegen.CStyle
}

func newDialect() mslDialect {
	return mslDialect{CStyle: codegen.CStyle{
		Math: map[op.UnaryOp]string{
			op.Exp:  "precise::exp",
			op.Log:  "precise::log",
			op.Sqrt: "precise::sqrt",
			op.Abs:  "fabs",
			op.Sin:  "precise::sin",
			op.Cos:  "precise::cos",
			op.Tanh: "precise::tanh",
		},
		FloatSuffix: "f",
		Inf:         "INFINITY",
		NaN:         "NAN",
		Fault:       "(*" + codegen.FaultName + " = 1)",
	}}
}

func storageType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F16:
		return "half", nil
	case tensor.BF16:
		return "ushort", nil
	case tensor.F32:
		return "float", nil
	case tensor.I32:
		return "int", nil
	case tensor.I64:
		return "long", nil
	}
	return "", tensor.DTypeErrorf("metal: unsupported dtype %s", dtype)
}

func (mslDialect) Preamble(*ssa.Kernel) string { return mslPreamble }

func (mslDialect) Header(name string, k *ssa.Kernel) (string, error) {
	var params []string
	for i, dtype := range codegen.ArgDTypes(k) {
		typ, err := storageType(dtype)
		if err != nil {
			return "", err
		}
		params = append(params, fmt.Sprintf("device %s *%s [[buffer(%d)]]", typ, codegen.ArgName(i), i))
	}
	if codegen.DividesIntegers(k) {
		params = append(params, fmt.Sprintf("device int *%s [[buffer(%d)]]", codegen.FaultName, len(params)))
	}
	params = append(params,
		"uint ug_block [[threadgroup_position_in_grid]]",
		"uint ug_thread [[thread_position_in_threadgroup]]",
		"uint ug_block_dim [[threads_per_threadgroup]]")
	return fmt.Sprintf("kernel void %s(\n    %s) {", name, strings.Join(params, ",\n    ")), nil
}

func (mslDialect) ValueType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F16, tensor.BF16:
		return "float", nil
	}
	return storageType(dtype)
}

func (mslDialect) Special(s ssa.SpecialKind) (string, error) {
	switch s {
	case ssa.BlockIdx:
		return "(int)ug_block", nil
	case ssa.ThreadIdx:
		return "(int)ug_thread", nil
	default:
		return "(int)ug_block_dim", nil
	}
}

func (mslDialect) Load(dtype tensor.DType, ptr, idx string) string {
	switch dtype {
	case tensor.F16:
		return fmt.Sprintf("float(%s[%s])", ptr, idx)
	case tensor.BF16:
		return fmt.Sprintf("ug_bf16_to_f32(%s[%s])", ptr, idx)
	}
	return fmt.Sprintf("%s[%s]", ptr, idx)
}

func (mslDialect) Store(dtype tensor.DType, ptr, idx, val string) string {
	switch dtype {
	case tensor.F16:
		return fmt.Sprintf("%s[%s] = half(%s);", ptr, idx, val)
	case tensor.BF16:
		return fmt.Sprintf("%s[%s] = ug_f32_to_bf16(%s);", ptr, idx, val)
	}
	return fmt.Sprintf("%s[%s] = %s;", ptr, idx, val)
}

func (d mslDialect) Cast(from, to tensor.DType, x string) (string, error) {
	typ, err := d.ValueType(to)
	if err != nil {
		return "", err
	}
	if from == to {
		return x, nil
	}
	return d.Round(to, fmt.Sprintf("%s(%s)", typ, x)), nil
}

func (mslDialect) Round(dtype tensor.DType, x string) string {
	switch dtype {
	case tensor.F16:
		return "ug_round_f16(" + x + ")"
	case tensor.BF16:
		return "ug_round_bf16(" + x + ")"
	}
	return x
}

// GenerateMSL renders a grid-lowered kernel as a Metal kernel function
// with argument i bound to buffer index i. Kernels that divide integers
// bind the fault flag to the next buffer index.
func GenerateMSL(k *ssa.Kernel, name string) (string, error) {
	if !k.UsesGrid() {
		return "", tensor.CompileErrorf("metal: kernel %s was not lowered for a grid", name)
	}
	return codegen.Generate(newDialect(), k, codegen.Identifier(name))
}
