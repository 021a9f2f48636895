package op

import (
	"strings"

	"github.com/born-ml/ug/internal/tensor"
)

// Arg is a kernel argument: a pointer to a slice of DType elements.
type Arg struct {
	ID    ArgID
	DType tensor.DType
}

// Store writes Value to argument Dst through Layout.
type Store struct {
	Dst    ArgID
	Layout *tensor.Layout
	Value  Ast
}

// Kernel is a fused kernel before lowering.
type Kernel struct {
	Name   string
	Args   []Arg
	Stores []Store
}

// Arg returns the argument with the given id.
func (k *Kernel) Arg(id ArgID) (Arg, bool) {
	for _, a := range k.Args {
		if a.ID == id {
			return a, true
		}
	}
	return Arg{}, false
}

// Validate checks that every load and store references a declared argument
// of the right dtype, and that stored values match their layouts.
func (k *Kernel) Validate() error {
	if len(k.Stores) == 0 {
		return tensor.InternalErrorf("kernel %s has no stores", k.Name)
	}
	for _, st := range k.Stores {
		arg, ok := k.Arg(st.Dst)
		if !ok {
			return tensor.InternalErrorf("kernel %s: store to undeclared argument %d", k.Name, st.Dst)
		}
		if arg.DType != st.Value.DType() {
			return tensor.DTypeErrorf("kernel %s: storing %s into %s argument %d",
				k.Name, st.Value.DType(), arg.DType, st.Dst)
		}
		if !st.Layout.Shape().Equal(st.Value.Shape()) {
			return tensor.ShapeErrorf("kernel %s: storing shape %v through layout %v",
				k.Name, st.Value.Shape(), st.Layout)
		}
		var err error
		Walk(st.Value, func(n Ast) {
			ld, isLoad := n.(*Load)
			if err != nil || !isLoad {
				return
			}
			a, ok := k.Arg(ld.Arg)
			switch {
			case !ok:
				err = tensor.InternalErrorf("kernel %s: load from undeclared argument %d", k.Name, ld.Arg)
			case a.DType != ld.Type:
				err = tensor.DTypeErrorf("kernel %s: loading %s from %s argument %d", k.Name, ld.Type, a.DType, ld.Arg)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DefaultName derives a readable kernel name from the operations it stores,
// such as "add_exp" or "sum".
func DefaultName(stores []Store) string {
	var parts []string
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			parts = append(parts, s)
		}
	}
	for _, st := range stores {
		Walk(st.Value, func(n Ast) {
			switch n := n.(type) {
			case *Unary:
				add(n.Op.String())
			case *Binary:
				add(n.Op.String())
			case *Reduce:
				add(n.Op.String())
			}
		})
	}
	if len(parts) == 0 {
		return "copy"
	}
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return strings.Join(parts, "_")
}
