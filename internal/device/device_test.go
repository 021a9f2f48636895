package device

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

func TestBMNKString(t *testing.T) {
	assert.Equal(t, "b=2 m=3 n=5 k=4", BMNK{B: 2, M: 3, N: 5, K: 4}.String())
}

func TestGemmLayout(t *testing.T) {
	mustLayout := func(shape tensor.Shape, strides []int, offset int) *tensor.Layout {
		l, err := tensor.NewLayout(shape, strides, offset)
		require.NoError(t, err)
		return l
	}
	transposed, err := tensor.Contiguous(tensor.Shape{4, 3}).Transpose(0, 1)
	require.NoError(t, err)
	narrowed, err := tensor.Contiguous(tensor.Shape{2, 3, 8}).Narrow(2, 2, 4)
	require.NoError(t, err)

	tests := []struct {
		name string
		l    *tensor.Layout
		want GemmStrides
		ok   bool
	}{
		{"row major", tensor.Contiguous(tensor.Shape{3, 4}), GemmStrides{LD: 4, Batch: 12}, true},
		{"batched", tensor.Contiguous(tensor.Shape{2, 3, 4}), GemmStrides{LD: 4, Batch: 12}, true},
		{"column major", transposed, GemmStrides{Trans: true, LD: 3, Batch: 12}, true},
		{"row slice", narrowed, GemmStrides{LD: 8, Batch: 24, Offset: 2}, true},
		{"batch broadcast", mustLayout(tensor.Shape{2, 3, 4}, []int{0, 4, 1}, 0), GemmStrides{LD: 4, Batch: 0}, true},
		{"merged batches", tensor.Contiguous(tensor.Shape{2, 2, 3, 4}), GemmStrides{LD: 4, Batch: 12}, true},
		{"strided elements", mustLayout(tensor.Shape{3, 4}, []int{8, 2}, 0), GemmStrides{}, false},
		{"overlapping rows", mustLayout(tensor.Shape{3, 4}, []int{2, 1}, 0), GemmStrides{}, false},
		{"irregular batches", mustLayout(tensor.Shape{2, 2, 3, 4}, []int{100, 12, 4, 1}, 0), GemmStrides{}, false},
		{"vector", tensor.Contiguous(tensor.Shape{4}), GemmStrides{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := GemmLayout(tt.l)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDumpSource(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "kernels")
	k := &ssa.Kernel{Instrs: []ssa.Instr{{Kind: ssa.DefineGlobal, DType: tensor.F32}}}
	require.NoError(t, DumpSource(dir, k, "ug_copy", ".c", "void ug_copy(void **args) {}\n"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.True(t, strings.HasPrefix(name, "ug_copy_"), name)
	assert.True(t, strings.HasSuffix(name, ".c"), name)
	assert.Len(t, name, len("ug_copy_")+12+len(".c"))
}
