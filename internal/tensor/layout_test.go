package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutContiguous(t *testing.T) {
	l := Contiguous(Shape{2, 3})
	assert.True(t, l.IsContiguous())
	assert.Equal(t, []int{3, 1}, l.Strides())
	assert.Equal(t, 4, l.Index(1, 1))
	assert.Equal(t, 5, l.MaxOffset())
	assert.NoError(t, l.CheckBounds(6))
	assert.ErrorIs(t, l.CheckBounds(5), ErrShape)
}

func TestNewLayoutRejects(t *testing.T) {
	_, err := NewLayout(Shape{2, 3}, []int{1}, 0)
	assert.ErrorIs(t, err, ErrShape)
	_, err = NewLayout(Shape{2}, []int{-1}, 0)
	assert.ErrorIs(t, err, ErrShape)
	_, err = NewLayout(Shape{2}, []int{1}, -1)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLayoutBroadcast(t *testing.T) {
	l := Contiguous(Shape{3, 1})
	b, err := l.Broadcast(Shape{2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0}, b.Strides())
	assert.False(t, b.IsContiguous())
	assert.Equal(t, 2, b.Index(1, 2, 3))

	_, err = l.Broadcast(Shape{4, 4})
	assert.ErrorIs(t, err, ErrShape)
	_, err = l.Broadcast(Shape{3})
	assert.ErrorIs(t, err, ErrShape)
}

func TestLayoutTranspose(t *testing.T) {
	l := Contiguous(Shape{2, 3})
	tr, err := l.Transpose(0, Minus1)
	require.NoError(t, err)
	assert.Equal(t, Shape{3, 2}, tr.Shape())
	assert.Equal(t, []int{1, 3}, tr.Strides())
	assert.Equal(t, l.Index(1, 2), tr.Index(2, 1))
	assert.Equal(t, Shape{2, 3}, l.Shape(), "transpose must not modify its input")

	_, err = l.Transpose(0, 2)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLayoutNarrow(t *testing.T) {
	l := Contiguous(Shape{4, 5})
	n, err := l.Narrow(1, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, Shape{4, 3}, n.Shape())
	assert.Equal(t, 2, n.Offset())
	assert.Equal(t, 5*3+2+2, n.Index(3, 2))
	assert.NoError(t, n.CheckBounds(20))

	_, err = l.Narrow(1, 3, 3)
	assert.ErrorIs(t, err, ErrShape)
	_, err = l.Narrow(0, 0, 0)
	assert.ErrorIs(t, err, ErrShape)
}

func TestLayoutReshape(t *testing.T) {
	l := Contiguous(Shape{2, 6})
	r, err := l.Reshape(Shape{3, 4})
	require.NoError(t, err)
	assert.True(t, r.Equal(Contiguous(Shape{3, 4})))

	_, err = l.Reshape(Shape{5})
	assert.ErrorIs(t, err, ErrShape)

	tr, err := l.Transpose(0, 1)
	require.NoError(t, err)
	_, err = tr.Reshape(Shape{12})
	assert.ErrorIs(t, err, ErrShape)
}

func TestCoalesceDims(t *testing.T) {
	t.Run("contiguous collapses", func(t *testing.T) {
		out, err := CoalesceDims(Contiguous(Shape{2, 3, 4}), Contiguous(Shape{2, 3, 4}))
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, Shape{24}, out[0].Shape())
		assert.Equal(t, []int{1}, out[1].Strides())
	})

	t.Run("transpose blocks merge", func(t *testing.T) {
		tr, err := Contiguous(Shape{3, 2}).Transpose(0, 1)
		require.NoError(t, err)
		out, err := CoalesceDims(Contiguous(Shape{2, 3}), tr)
		require.NoError(t, err)
		assert.Equal(t, Shape{2, 3}, out[0].Shape())
		assert.Equal(t, []int{1, 2}, out[1].Strides())
	})

	t.Run("broadcast inner dims merge", func(t *testing.T) {
		b, err := Contiguous(Shape{2, 1, 1}).Broadcast(Shape{2, 3, 4})
		require.NoError(t, err)
		out, err := CoalesceDims(Contiguous(Shape{2, 3, 4}), b)
		require.NoError(t, err)
		assert.Equal(t, Shape{2, 12}, out[0].Shape())
		assert.Equal(t, []int{1, 0}, out[1].Strides())
	})

	t.Run("size one dims dropped", func(t *testing.T) {
		out, err := CoalesceDims(Contiguous(Shape{1, 1}))
		require.NoError(t, err)
		assert.Equal(t, Shape{}, out[0].Shape())
		assert.Equal(t, 1, out[0].NumElements())
	})

	t.Run("same elements in same order", func(t *testing.T) {
		n, err := Contiguous(Shape{4, 6}).Narrow(1, 1, 4)
		require.NoError(t, err)
		src := []*Layout{Contiguous(Shape{4, 4}), n}
		out, err := CoalesceDims(src...)
		require.NoError(t, err)
		for k := range src {
			assert.Equal(t, offsets(src[k]), offsets(out[k]))
		}
	})

	_, err := CoalesceDims(Contiguous(Shape{2}), Contiguous(Shape{3}))
	assert.ErrorIs(t, err, ErrShape)
}

// offsets enumerates every element offset of l in row-major index order.
func offsets(l *Layout) []int {
	var out []int
	idx := make([]int, l.Rank())
	for range l.NumElements() {
		out = append(out, l.Index(idx...))
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < l.Shape()[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}
