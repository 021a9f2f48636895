package tensor

import (
	"fmt"
	"slices"
)

// Layout maps a logical index to a flat element offset in a backing
// storage: offset + sum(index[i] * strides[i]). A stride of zero repeats
// the same element along a broadcast dimension.
type Layout struct {
	shape   Shape
	strides []int
	offset  int
}

// Contiguous returns the row-major layout for shape starting at offset 0.
func Contiguous(shape Shape) *Layout {
	return &Layout{shape: shape.Clone(), strides: shape.ComputeStrides()}
}

// NewLayout builds a strided layout. Strides must be non-negative and match
// the rank of shape.
func NewLayout(shape Shape, strides []int, offset int) (*Layout, error) {
	if len(strides) != len(shape) {
		return nil, ShapeErrorf("layout: %d strides for rank %d", len(strides), len(shape))
	}
	if offset < 0 {
		return nil, ShapeErrorf("layout: negative offset %d", offset)
	}
	for i, s := range strides {
		if s < 0 {
			return nil, ShapeErrorf("layout: negative stride %d at dimension %d", s, i)
		}
	}
	return &Layout{shape: shape.Clone(), strides: slices.Clone(strides), offset: offset}, nil
}

// Shape returns the logical shape.
func (l *Layout) Shape() Shape { return l.shape }

// Strides returns the per-dimension element strides.
func (l *Layout) Strides() []int { return l.strides }

// Offset returns the base element offset.
func (l *Layout) Offset() int { return l.offset }

// Rank returns the number of dimensions.
func (l *Layout) Rank() int { return len(l.shape) }

// NumElements returns the number of logical elements.
func (l *Layout) NumElements() int { return l.shape.NumElements() }

// IsContiguous reports whether the layout is row-major without gaps.
// Size one dimensions may carry any stride.
func (l *Layout) IsContiguous() bool {
	expected := 1
	for i := len(l.shape) - 1; i >= 0; i-- {
		if l.shape[i] == 1 {
			continue
		}
		if l.strides[i] != expected {
			return false
		}
		expected *= l.shape[i]
	}
	return true
}

// Index returns the flat offset of a logical multi-index.
func (l *Layout) Index(index ...int) int {
	off := l.offset
	for i, idx := range index {
		off += idx * l.strides[i]
	}
	return off
}

// MaxOffset returns the largest element offset addressed by the layout.
func (l *Layout) MaxOffset() int {
	off := l.offset
	for i, d := range l.shape {
		if d > 0 {
			off += (d - 1) * l.strides[i]
		}
	}
	return off
}

// CheckBounds verifies that every addressed element lies inside a storage
// of storageLen elements.
func (l *Layout) CheckBounds(storageLen int) error {
	if l.NumElements() == 0 {
		return nil
	}
	if m := l.MaxOffset(); m >= storageLen {
		return ShapeErrorf("layout %v addresses element %d of a storage of length %d", l, m, storageLen)
	}
	return nil
}

// Broadcast expands the layout to shape to. Leading dimensions are added
// and size one dimensions are stretched, both with stride zero.
func (l *Layout) Broadcast(to Shape) (*Layout, error) {
	if len(to) < len(l.shape) {
		return nil, ShapeErrorf("broadcast: cannot broadcast %v to lower rank %v", l.shape, to)
	}
	extra := len(to) - len(l.shape)
	strides := make([]int, len(to))
	for i, d := range to {
		if i < extra {
			continue
		}
		src := l.shape[i-extra]
		switch src {
		case d:
			strides[i] = l.strides[i-extra]
		case 1:
			strides[i] = 0
		default:
			return nil, ShapeErrorf("broadcast: cannot broadcast %v to %v (dimension %d: %d vs %d)", l.shape, to, i, src, d)
		}
	}
	return &Layout{shape: to.Clone(), strides: strides, offset: l.offset}, nil
}

// Transpose swaps two dimensions.
func (l *Layout) Transpose(d1, d2 D) (*Layout, error) {
	i, err := d1.Resolve(len(l.shape), "transpose")
	if err != nil {
		return nil, err
	}
	j, err := d2.Resolve(len(l.shape), "transpose")
	if err != nil {
		return nil, err
	}
	out := l.clone()
	out.shape[i], out.shape[j] = out.shape[j], out.shape[i]
	out.strides[i], out.strides[j] = out.strides[j], out.strides[i]
	return out, nil
}

// Narrow restricts dimension dim to [start, start+length).
func (l *Layout) Narrow(dim D, start, length int) (*Layout, error) {
	i, err := dim.Resolve(len(l.shape), "narrow")
	if err != nil {
		return nil, err
	}
	if start < 0 || length <= 0 || start+length > l.shape[i] {
		return nil, ShapeErrorf("narrow: range [%d, %d) out of bounds for dimension %d of size %d",
			start, start+length, i, l.shape[i])
	}
	out := l.clone()
	out.shape[i] = length
	out.offset += start * l.strides[i]
	return out, nil
}

// Reshape reinterprets a contiguous layout with a new shape of the same
// element count.
func (l *Layout) Reshape(shape Shape) (*Layout, error) {
	if shape.NumElements() != l.NumElements() {
		return nil, ShapeErrorf("reshape: cannot reshape %v (%d elements) to %v (%d elements)",
			l.shape, l.NumElements(), shape, shape.NumElements())
	}
	if !l.IsContiguous() {
		return nil, ShapeErrorf("reshape: layout %v is not contiguous", l)
	}
	out := Contiguous(shape)
	out.offset = l.offset
	return out, nil
}

// Equal reports whether two layouts describe the same addressing.
func (l *Layout) Equal(o *Layout) bool {
	return l.offset == o.offset && l.shape.Equal(o.shape) && slices.Equal(l.strides, o.strides)
}

// String renders the layout as "shape(2, 3) strides[3 1] offset 0".
func (l *Layout) String() string {
	return fmt.Sprintf("shape%v strides%v offset %d", l.shape, l.strides, l.offset)
}

func (l *Layout) clone() *Layout {
	return &Layout{shape: l.shape.Clone(), strides: slices.Clone(l.strides), offset: l.offset}
}

// CoalesceDims merges adjacent dimensions that are contiguous with respect
// to each other in every layout, and drops size one dimensions. All layouts
// must share the same shape. The returned layouts address exactly the same
// elements in the same order with the fewest possible dimensions.
func CoalesceDims(layouts ...*Layout) ([]*Layout, error) {
	if len(layouts) == 0 {
		return nil, nil
	}
	shape := layouts[0].shape
	for _, l := range layouts[1:] {
		if !l.shape.Equal(shape) {
			return nil, ShapeErrorf("coalesce: shape mismatch %v vs %v", shape, l.shape)
		}
	}

	var dims []int
	for i, d := range shape {
		if d != 1 {
			dims = append(dims, i)
		}
	}

	outShape := Shape{}
	outStrides := make([][]int, len(layouts))
	for pos := len(dims) - 1; pos >= 0; pos-- {
		i := dims[pos]
		mergeable := len(outShape) > 0
		if mergeable {
			for k, l := range layouts {
				if l.strides[i] != outStrides[k][0]*outShape[0] {
					mergeable = false
					break
				}
			}
		}
		if mergeable {
			outShape[0] *= shape[i]
			continue
		}
		outShape = append(Shape{shape[i]}, outShape...)
		for k, l := range layouts {
			outStrides[k] = append([]int{l.strides[i]}, outStrides[k]...)
		}
	}

	out := make([]*Layout, len(layouts))
	for k, l := range layouts {
		strides := outStrides[k]
		if strides == nil {
			strides = []int{}
		}
		out[k] = &Layout{shape: outShape.Clone(), strides: strides, offset: l.offset}
	}
	return out, nil
}
