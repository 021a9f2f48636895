package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

func constKernel(v float32) *ssa.Kernel {
	return &ssa.Kernel{Instrs: []ssa.Instr{
		{Kind: ssa.DefineGlobal, Index: 0, DType: tensor.F32},
		{Kind: ssa.Store, DType: tensor.F32, Ptr: 0, X: ssa.I(0), Y: ssa.C(tensor.ConstF32(v))},
	}}
}

func TestGetOrCompile(t *testing.T) {
	c := New[string]()
	calls := 0
	compile := func(k *ssa.Kernel) (string, error) {
		calls++
		return k.Instrs[1].Y.String(), nil
	}

	got, err := c.GetOrCompile(constKernel(1), compile)
	require.NoError(t, err)
	assert.Equal(t, "1f32", got)

	got, err = c.GetOrCompile(constKernel(1), compile)
	require.NoError(t, err)
	assert.Equal(t, "1f32", got)

	got, err = c.GetOrCompile(constKernel(2), compile)
	require.NoError(t, err)
	assert.Equal(t, "2f32", got)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, Stats{Hits: 1, Misses: 2, Compiles: 2}, c.Stats())
	keys := c.Keys()
	require.Len(t, keys, 2)
	assert.Less(t, keys[0], keys[1])
}

func TestFailedCompileNotCached(t *testing.T) {
	c := New[int]()
	boom := errors.New("boom")
	_, err := c.GetOrCompile(constKernel(1), func(*ssa.Kernel) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	v, err := c.GetOrCompile(constKernel(1), func(*ssa.Kernel) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestConcurrentSingleCompile(t *testing.T) {
	c := New[int]()
	var compiles atomic.Int32
	compile := func(*ssa.Kernel) (int, error) {
		return int(compiles.Add(1)), nil
	}

	const n = 32
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompile(constKernel(3), compile)
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), compiles.Load())
	for _, v := range results {
		assert.Equal(t, 1, v)
	}
	s := c.Stats()
	assert.Equal(t, int64(1), s.Compiles)
	assert.Equal(t, int64(n), s.Hits+s.Misses)
}

func TestPrecompile(t *testing.T) {
	c := New[float32]()
	kernels := []*ssa.Kernel{constKernel(1), constKernel(2), constKernel(1), constKernel(4)}
	compile := func(k *ssa.Kernel) (float32, error) {
		return float32(k.Instrs[1].Y.Const.F), nil
	}
	fns, err := c.Precompile(context.Background(), kernels, compile, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 1, 4}, fns)
	assert.Equal(t, 3, c.Len())
	s := c.Stats()
	assert.Equal(t, int64(3), s.Compiles)
	assert.Equal(t, int64(len(kernels)), s.Hits+s.Misses)

	boom := errors.New("boom")
	_, err = New[float32]().Precompile(context.Background(), kernels, func(*ssa.Kernel) (float32, error) {
		return 0, boom
	}, 0)
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New[float32]().Precompile(ctx, kernels, compile, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
