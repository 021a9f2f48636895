package ssa

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/tensor"
)

// addKernel computes arg0[i] = arg1[i] + arg2[i] for i in [0, 4).
func addKernel() *Kernel {
	return &Kernel{Instrs: []Instr{
		{Kind: DefineGlobal, Index: 0, DType: tensor.F32},
		{Kind: DefineGlobal, Index: 1, DType: tensor.F32},
		{Kind: DefineGlobal, Index: 2, DType: tensor.F32},
		{Kind: Range, DType: IndexDType, X: I(0), Y: I(4), Jump: 8},
		{Kind: Load, DType: tensor.F32, Ptr: 1, X: V(3)},
		{Kind: Load, DType: tensor.F32, Ptr: 2, X: V(3)},
		{Kind: Binary, DType: tensor.F32, BinaryOp: op.Add, X: V(4), Y: V(5)},
		{Kind: Store, DType: tensor.F32, Ptr: 0, X: V(3), Y: V(6)},
		{Kind: EndRange, Jump: 3},
	}}
}

func TestValidate(t *testing.T) {
	require.NoError(t, addKernel().Validate())

	tests := []struct {
		name   string
		mutate func(k *Kernel)
		msg    string
	}{
		{"forward reference", func(k *Kernel) { k.Instrs[6].Y = V(7) }, "not defined yet"},
		{"no value", func(k *Kernel) {
			k.Instrs[5] = Instr{Kind: Store, DType: tensor.F32, Ptr: 0, X: V(3), Y: V(4)}
		}, "has no value"},
		{"load from value", func(k *Kernel) { k.Instrs[4].Ptr = 3 }, "not a kernel argument"},
		{"store to value", func(k *Kernel) { k.Instrs[7].Ptr = 4 }, "not a kernel argument"},
		{"out of scope", func(k *Kernel) {
			k.Instrs = append(k.Instrs, Instr{Kind: Store, DType: tensor.F32, Ptr: 0, X: I(0), Y: V(6)})
		}, "outside of its scope"},
		{"unclosed range", func(k *Kernel) { k.Instrs = k.Instrs[:8] }, "jumps to 8"},
		{"mismatched end", func(k *Kernel) { k.Instrs[8].Jump = 2 }, "unmatched"},
		{"assign to value", func(k *Kernel) {
			k.Instrs[7] = Instr{Kind: Assign, Ptr: 6, X: V(6)}
		}, "not an accumulator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := addKernel()
			tt.mutate(k)
			err := k.Validate()
			require.ErrorIs(t, err, tensor.ErrInternal)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestArgs(t *testing.T) {
	k := addKernel()
	k.Instrs[0].Index, k.Instrs[2].Index = 2, 0
	args := k.Args()
	require.Len(t, args, 3)
	for i, a := range args {
		assert.Equal(t, i, a.Index)
	}
	assert.False(t, k.UsesGrid())
}

func TestString(t *testing.T) {
	got := addKernel().String()
	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, "%0 = define_global 0 *f32", lines[0])
	assert.Equal(t, "%3 = range 0i32..4i32 (end 8)", lines[3])
	assert.Equal(t, "  %6 = add %4 %5 f32", lines[6])
	assert.Equal(t, "  store %0[%3] <- %6 f32", lines[7])
	assert.Equal(t, "end_range (start 3)", lines[8])

	k := addKernel()
	k.GridDim, k.BlockDim = 1, 256
	assert.True(t, strings.HasPrefix(k.String(), "; grid 1 block 256\n"))
}

func TestKey(t *testing.T) {
	k1, c1 := addKernel().Key()
	k2, c2 := addKernel().Key()
	assert.Equal(t, k1, k2)
	assert.Equal(t, c1, c2)
	assert.Len(t, k1, 64)

	changed := addKernel()
	changed.Instrs[6].BinaryOp = op.Mul
	k3, _ := changed.Key()
	assert.NotEqual(t, k1, k3)

	bound := addKernel()
	bound.Instrs[3].Y = I(5)
	k4, _ := bound.Key()
	assert.NotEqual(t, k1, k4)

	grid := addKernel()
	grid.BlockDim = 64
	k5, _ := grid.Key()
	assert.NotEqual(t, k1, k5)
}
