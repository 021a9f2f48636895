package cuda

import (
	"fmt"
	"strings"

	"github.com/born-ml/ug/internal/codegen"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

const cudaPreamble = `#include <cuda_fp16.h>
#include <cuda_bf16.h>

__device__ __forceinline__ float ug_round_f16(float x) { return __half2float(__float2half(x)); }
__device__ __forceinline__ float ug_round_bf16(float x) { return __bfloat162float(__float2bfloat16_rz(x)); }

`

type cudaDialect struct {
	codegen.CStyle
}

func newDialect() cudaDialect {
	return cudaDialect{CStyle: codegen.CStyle{
		Math: map[op.UnaryOp]string{
			op.Exp:  "expf",
			op.Log:  "logf",
			op.Sqrt: "sqrtf",
			op.Abs:  "fabsf",
			op.Sin:  "sinf",
			op.Cos:  "cosf",
			op.Tanh: "tanhf",
		},
		FloatSuffix: "f",
		Inf:         "__int_as_float(0x7f800000)",
		NaN:         "__int_as_float(0x7fffffff)",
		Fault:       "(*" + codegen.FaultName + " = 1)",
	}}
}

func storageType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F16:
		return "__half", nil
	case tensor.BF16:
		return "__nv_bfloat16", nil
	case tensor.F32:
		return "float", nil
	case tensor.I32:
		return "int", nil
	case tensor.I64:
		return "long long", nil
	}
	return "", tensor.DTypeErrorf("cuda: unsupported dtype %s", dtype)
}

func (cudaDialect) Preamble(*ssa.Kernel) string { return cudaPreamble }

func (cudaDialect) Header(name string, k *ssa.Kernel) (string, error) {
	var params []string
	for i, dtype := range codegen.ArgDTypes(k) {
		typ, err := storageType(dtype)
		if err != nil {
			return "", err
		}
		params = append(params, fmt.Sprintf("%s *__restrict__ %s", typ, codegen.ArgName(i)))
	}
	if codegen.DividesIntegers(k) {
		params = append(params, "int *__restrict__ "+codegen.FaultName)
	}
	return fmt.Sprintf("extern \"C\" __global__ void %s(%s) {", name, strings.Join(params, ", ")), nil
}

func (cudaDialect) ValueType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F16, tensor.BF16:
		return "float", nil
	}
	return storageType(dtype)
}

func (cudaDialect) Special(s ssa.SpecialKind) (string, error) {
	switch s {
	case ssa.BlockIdx:
		return "(int)blockIdx.x", nil
	case ssa.ThreadIdx:
		return "(int)threadIdx.x", nil
	default:
		return "(int)blockDim.x", nil
	}
}

func (cudaDialect) Load(dtype tensor.DType, ptr, idx string) string {
	switch dtype {
	case tensor.F16:
		return fmt.Sprintf("__half2float(%s[%s])", ptr, idx)
	case tensor.BF16:
		return fmt.Sprintf("__bfloat162float(%s[%s])", ptr, idx)
	}
	return fmt.Sprintf("%s[%s]", ptr, idx)
}

func (cudaDialect) Store(dtype tensor.DType, ptr, idx, val string) string {
	switch dtype {
	case tensor.F16:
		return fmt.Sprintf("%s[%s] = __float2half(%s);", ptr, idx, val)
	case tensor.BF16:
		return fmt.Sprintf("%s[%s] = __float2bfloat16_rz(%s);", ptr, idx, val)
	}
	return fmt.Sprintf("%s[%s] = %s;", ptr, idx, val)
}

func (d cudaDialect) Cast(from, to tensor.DType, x string) (string, error) {
	typ, err := d.ValueType(to)
	if err != nil {
		return "", err
	}
	if from == to {
		return x, nil
	}
	return d.Round(to, fmt.Sprintf("(%s)(%s)", typ, x)), nil
}

func (cudaDialect) Round(dtype tensor.DType, x string) string {
	switch dtype {
	case tensor.F16:
		return "ug_round_f16(" + x + ")"
	case tensor.BF16:
		return "ug_round_bf16(" + x + ")"
	}
	return x
}

// GenerateCUDA renders a grid-lowered kernel as an extern "C" __global__
// function taking one typed pointer per argument. Kernels that divide
// integers take an extra int pointer to the fault flag.
func GenerateCUDA(k *ssa.Kernel, name string) (string, error) {
	if !k.UsesGrid() {
		return "", tensor.CompileErrorf("cuda: kernel %s was not lowered for a grid", name)
	}
	return codegen.Generate(newDialect(), k, codegen.Identifier(name))
}
