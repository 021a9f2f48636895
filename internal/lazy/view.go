package lazy

import (
	"fmt"

	"github.com/born-ml/ug/internal/tensor"
)

// ViewKind selects a layout change.
type ViewKind int

// Layout changes.
const (
	ViewReshape ViewKind = iota
	ViewTranspose
	ViewBroadcast
	ViewNarrow
)

// View is a layout change that never moves data by itself.
type View struct {
	Kind       ViewKind
	Shape      tensor.Shape
	D1, D2     tensor.D
	Start, Len int
}

// Apply composes the view with the layout of its input.
func (v View) Apply(l *tensor.Layout) (*tensor.Layout, error) {
	switch v.Kind {
	case ViewReshape:
		return l.Reshape(v.Shape)
	case ViewTranspose:
		return l.Transpose(v.D1, v.D2)
	case ViewBroadcast:
		return l.Broadcast(v.Shape)
	case ViewNarrow:
		return l.Narrow(v.D1, v.Start, v.Len)
	}
	return nil, tensor.InternalErrorf("unknown view kind %d", int(v.Kind))
}

func (v View) String() string {
	switch v.Kind {
	case ViewReshape:
		return fmt.Sprintf("reshape %v", v.Shape)
	case ViewTranspose:
		return fmt.Sprintf("transpose %d %d", v.D1, v.D2)
	case ViewBroadcast:
		return fmt.Sprintf("broadcast %v", v.Shape)
	case ViewNarrow:
		return fmt.Sprintf("narrow %d [%d:%d]", v.D1, v.Start, v.Start+v.Len)
	}
	return "view"
}
