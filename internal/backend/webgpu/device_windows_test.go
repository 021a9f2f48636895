//go:build windows

package webgpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/tensor"
)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available on this system")
	}
	d, err := New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDevice_RoundTrip(t *testing.T) {
	d := newTestDevice(t)
	src := []float32{1, 2, 3}
	s, err := device.FromHost(d, src)
	require.NoError(t, err)
	got, err := device.ToVec[float32](s)
	require.NoError(t, err)
	assert.Equal(t, src, got)
}

func TestDevice_Add(t *testing.T) {
	d := newTestDevice(t)
	n := 1000
	sk, err := lower.Lower(binaryKernel(t, op.Add, tensor.F32, n), lower.Options{UseGrid: true, BlockDim: 64})
	require.NoError(t, err)
	f, err := device.CompileCached(d, sk, "add")
	require.NoError(t, err)

	a := make([]float32, n)
	b := make([]float32, n)
	for i := range a {
		a[i], b[i] = 1, 2
	}
	sa, err := device.FromHost(d, a)
	require.NoError(t, err)
	sb, err := device.FromHost(d, b)
	require.NoError(t, err)
	out, err := d.Allocate(tensor.F32, n)
	require.NoError(t, err)

	require.NoError(t, d.Run(f, []device.Slice{out, sa, sb}))
	require.NoError(t, d.Synchronize())
	got, err := device.ToVec[float32](out)
	require.NoError(t, err)
	for i, v := range got {
		assert.InDelta(t, 3.0, v, 1e-6, "index %d", i)
	}
}
