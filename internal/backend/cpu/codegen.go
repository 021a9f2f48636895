package cpu

import (
	"fmt"
	"strings"

	"github.com/born-ml/ug/internal/codegen"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// cPreamble converts half-precision storage to and from float. f16 rounds
// to nearest even; bf16 truncates, like the host conversions.
const cPreamble = `#include <math.h>
#include <stdint.h>
#include <string.h>

static inline float ug_f16_to_f32(uint16_t h) {
  uint32_t sign = (uint32_t)(h & 0x8000) << 16;
  uint32_t exp = (h >> 10) & 0x1f;
  uint32_t man = h & 0x3ff;
  uint32_t x;
  if (exp == 0) {
    if (man == 0) {
      x = sign;
    } else {
      exp = 113;
      while (!(man & 0x400)) {
        man <<= 1;
        exp--;
      }
      x = sign | (exp << 23) | ((man & 0x3ff) << 13);
    }
  } else if (exp == 0x1f) {
    x = sign | 0x7f800000 | (man << 13);
  } else {
    x = sign | ((exp + 112) << 23) | (man << 13);
  }
  float f;
  memcpy(&f, &x, 4);
  return f;
}

static inline uint16_t ug_f32_to_f16(float f) {
  uint32_t x;
  memcpy(&x, &f, 4);
  uint32_t sign = (x >> 16) & 0x8000;
  uint32_t exp = (x >> 23) & 0xff;
  uint32_t man = x & 0x7fffff;
  if (exp == 0xff) {
    return (uint16_t)(sign | 0x7c00 | (man ? 0x200 | (man >> 13) : 0));
  }
  int e = (int)exp - 112;
  if (e >= 0x1f) {
    return (uint16_t)(sign | 0x7c00);
  }
  if (e <= 0) {
    if (e < -10) {
      return (uint16_t)sign;
    }
    man |= 0x800000;
    uint32_t shift = (uint32_t)(14 - e);
    uint32_t half = 1u << (shift - 1);
    uint32_t rest = man & ((1u << shift) - 1);
    uint32_t r = man >> shift;
    if (rest > half || (rest == half && (r & 1))) {
      r++;
    }
    return (uint16_t)(sign | r);
  }
  uint32_t r = ((uint32_t)e << 10) | (man >> 13);
  uint32_t rest = man & 0x1fff;
  if (rest > 0x1000 || (rest == 0x1000 && (r & 1))) {
    r++;
  }
  return (uint16_t)(sign | r);
}

static inline float ug_bf16_to_f32(uint16_t h) {
  uint32_t x = (uint32_t)h << 16;
  float f;
  memcpy(&f, &x, 4);
  return f;
}

static inline uint16_t ug_f32_to_bf16(float f) {
  uint32_t x;
  memcpy(&x, &f, 4);
  return (uint16_t)(x >> 16);
}

static inline float ug_round_f16(float f) { return ug_f16_to_f32(ug_f32_to_f16(f)); }
static inline float ug_round_bf16(float f) { return ug_bf16_to_f32(ug_f32_to_bf16(f)); }

`

// cDialect emits C99 functions with the signature void name(void **args).
type cDialect struct {
	codegen.CStyle
}

func newCDialect() cDialect {
	return cDialect{CStyle: codegen.CStyle{
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
		Inf:         "INFINITY",
		NaN:         "NAN",
		Fault:       "(*" + codegen.FaultName + " = 1)",
	}}
}

func cStorageType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F16, tensor.BF16:
		return "uint16_t", nil
	case tensor.F32:
		return "float", nil
	case tensor.I32:
		return "int32_t", nil
	case tensor.I64:
		return "int64_t", nil
	}
	return "", tensor.DTypeErrorf("c: unsupported dtype %s", dtype)
}

func (cDialect) Preamble(*ssa.Kernel) string { return cPreamble }

func (cDialect) Header(name string, k *ssa.Kernel) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "void %s(void **args) {", name)
	for i, dtype := range codegen.ArgDTypes(k) {
		typ, err := cStorageType(dtype)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "\n  %s *restrict %s = (%s *)args[%d];", typ, codegen.ArgName(i), typ, i)
	}
	if codegen.DividesIntegers(k) {
		n := len(k.Args())
		fmt.Fprintf(&sb, "\n  int32_t *restrict %s = (int32_t *)args[%d];", codegen.FaultName, n)
	}
	return sb.String(), nil
}

func (cDialect) ValueType(dtype tensor.DType) (string, error) {
	switch dtype {
	case tensor.F16, tensor.BF16:
		return "float", nil
	}
	return cStorageType(dtype)
}

func (cDialect) Special(s ssa.SpecialKind) (string, error) {
	return "", tensor.CompileErrorf("c: %s is only available on grid devices", s)
}

func (cDialect) Load(dtype tensor.DType, ptr, idx string) string {
	switch dtype {
	case tensor.F16:
		return fmt.Sprintf("ug_f16_to_f32(%s[%s])", ptr, idx)
	case tensor.BF16:
		return fmt.Sprintf("ug_bf16_to_f32(%s[%s])", ptr, idx)
	}
	return fmt.Sprintf("%s[%s]", ptr, idx)
}

func (cDialect) Store(dtype tensor.DType, ptr, idx, val string) string {
	switch dtype {
	case tensor.F16:
		return fmt.Sprintf("%s[%s] = ug_f32_to_f16(%s);", ptr, idx, val)
	case tensor.BF16:
		return fmt.Sprintf("%s[%s] = ug_f32_to_bf16(%s);", ptr, idx, val)
	}
	return fmt.Sprintf("%s[%s] = %s;", ptr, idx, val)
}

func (d cDialect) Cast(from, to tensor.DType, x string) (string, error) {
	typ, err := d.ValueType(to)
	if err != nil {
		return "", err
	}
	if from == to {
		return x, nil
	}
	return d.Round(to, fmt.Sprintf("(%s)(%s)", typ, x)), nil
}

func (cDialect) Round(dtype tensor.DType, x string) string {
	switch dtype {
	case tensor.F16:
		return "ug_round_f16(" + x + ")"
	case tensor.BF16:
		return "ug_round_bf16(" + x + ")"
	}
	return x
}

// GenerateC renders k as a C function void name(void **args), where args
// holds one pointer per kernel argument followed by a pointer to an int32
// fault flag. Half-precision values are computed in float and rounded
// after every operation.
func GenerateC(k *ssa.Kernel, name string) (string, error) {
	return codegen.Generate(newCDialect(), k, codegen.Identifier(name))
}
