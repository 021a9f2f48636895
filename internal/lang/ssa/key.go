package ssa

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/born-ml/ug/internal/tensor"
)

// Canonical returns a byte encoding of the kernel that depends only on its
// instructions and launch dimensions. Two kernels with equal encodings
// compute the same thing.
func (k *Kernel) Canonical() []byte {
	buf := make([]byte, 0, 16+len(k.Instrs)*32)
	buf = binary.AppendUvarint(buf, uint64(k.GridDim))
	buf = binary.AppendUvarint(buf, uint64(k.BlockDim))
	buf = binary.AppendUvarint(buf, uint64(len(k.Instrs)))
	for _, in := range k.Instrs {
		buf = append(buf, byte(in.Kind), byte(in.DType))
		switch in.Kind {
		case DefineGlobal:
			buf = binary.AppendUvarint(buf, uint64(in.Index))
		case Special:
			buf = append(buf, byte(in.Special))
		case Const, DefineAcc:
			buf = appendConst(buf, in.Value)
		case Assign:
			buf = binary.AppendVarint(buf, int64(in.Ptr))
			buf = appendArg(buf, in.X)
		case Range, If:
			buf = appendArg(buf, in.X)
			buf = appendArg(buf, in.Y)
			buf = binary.AppendVarint(buf, int64(in.Jump))
		case EndRange, EndIf:
			buf = binary.AppendVarint(buf, int64(in.Jump))
		case Load:
			buf = binary.AppendVarint(buf, int64(in.Ptr))
			buf = appendArg(buf, in.X)
		case Store:
			buf = binary.AppendVarint(buf, int64(in.Ptr))
			buf = appendArg(buf, in.X)
			buf = appendArg(buf, in.Y)
		case Unary:
			buf = append(buf, byte(in.UnaryOp))
			buf = appendArg(buf, in.X)
		case Binary:
			buf = append(buf, byte(in.BinaryOp))
			buf = appendArg(buf, in.X)
			buf = appendArg(buf, in.Y)
		}
	}
	return buf
}

// Key returns the hex SHA-256 of Canonical together with the canonical
// bytes themselves.
func (k *Kernel) Key() (string, []byte) {
	c := k.Canonical()
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:]), c
}

func appendArg(buf []byte, a A) []byte {
	if a.IsConst {
		buf = append(buf, 1)
		return appendConst(buf, a.Const)
	}
	buf = append(buf, 0)
	return binary.AppendVarint(buf, int64(a.Var))
}

func appendConst(buf []byte, c tensor.Const) []byte {
	buf = append(buf, byte(c.DType))
	if c.DType.IsInt() {
		return binary.AppendVarint(buf, c.I)
	}
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.F))
}
