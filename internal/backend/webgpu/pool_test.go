package webgpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuffer struct {
	id        int
	destroyed bool
}

func newFakePool() (*bufferPool[*fakeBuffer], *int) {
	created := 0
	p := newBufferPool(func(uint64) (*fakeBuffer, error) {
		created++
		return &fakeBuffer{id: created}, nil
	}, func(b *fakeBuffer) { b.destroyed = true })
	return p, &created
}

func TestBufferPool_Reuse(t *testing.T) {
	p, created := newFakePool()

	b1, size, err := p.acquire(1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), size)
	p.release(b1, size)

	// A smaller request in the same class reuses the larger buffer.
	b2, size2, err := p.acquire(512)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, uint64(1024), size2)
	assert.Equal(t, 1, *created)

	s := p.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 0, s.Pooled)
}

func TestBufferPool_ClassesDoNotMix(t *testing.T) {
	p, created := newFakePool()

	small, size, err := p.acquire(100)
	require.NoError(t, err)
	p.release(small, size)

	large, _, err := p.acquire(2 * mediumThreshold)
	require.NoError(t, err)
	assert.NotSame(t, small, large)
	assert.Equal(t, 2, *created)
}

func TestBufferPool_FullClassDestroys(t *testing.T) {
	p, _ := newFakePool()
	bufs := make([]*fakeBuffer, maxPooled+1)
	for i := range bufs {
		b, _, err := p.acquire(64)
		require.NoError(t, err)
		bufs[i] = b
	}
	for _, b := range bufs {
		p.release(b, 64)
	}
	assert.Equal(t, maxPooled, p.Stats().Pooled)
	assert.True(t, bufs[maxPooled].destroyed)

	p.clear()
	assert.Equal(t, 0, p.Stats().Pooled)
	assert.True(t, bufs[0].destroyed)
}

func TestBufferPool_CreateError(t *testing.T) {
	boom := errors.New("out of memory")
	p := newBufferPool(func(uint64) (*fakeBuffer, error) { return nil, boom }, func(*fakeBuffer) {})
	_, _, err := p.acquire(16)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(0), p.Stats().Allocated)
}

func TestAlignedSize(t *testing.T) {
	assert.Equal(t, uint64(4), alignedSize(0))
	assert.Equal(t, uint64(8), alignedSize(6))
	assert.Equal(t, uint64(4096), alignedSize(4096))
}
