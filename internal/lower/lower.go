// Package lower converts op-level kernels into SSA kernels.
//
// Each group of stores sharing an iteration shape becomes one loop nest (or,
// for grid devices, one bounds-checked flat index). Point-wise groups first
// have their dimensions coalesced so that contiguous data is walked by a
// single loop. Reductions become an accumulator slot and an inner loop over
// the reduced dimension.
package lower

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/logutil"
	"github.com/born-ml/ug/internal/tensor"
)

// DefaultBlockDim is the number of threads per block for grid devices.
const DefaultBlockDim = 256

// Options selects the execution model to lower for.
type Options struct {
	// UseGrid maps the iteration domain onto a grid of threads instead of
	// explicit loops.
	UseGrid bool
	// BlockDim is the number of threads per block. Zero means
	// DefaultBlockDim.
	BlockDim int
}

// Lower converts k to SSA.
func Lower(k *op.Kernel, opts Options) (*ssa.Kernel, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	if err := checkIndexRange(k); err != nil {
		return nil, err
	}
	if opts.BlockDim <= 0 {
		opts.BlockDim = DefaultBlockDim
	}

	l := &lowerer{b: newBuilder(), args: map[op.ArgID]ssa.VarID{}, opts: opts}
	for i, a := range k.Args {
		l.args[a.ID] = l.b.push(ssa.Instr{Kind: ssa.DefineGlobal, Index: i, DType: a.DType})
	}

	out := &ssa.Kernel{}
	maxElems := 0
	for _, g := range groupStores(k.Stores) {
		if err := l.lowerGroup(g); err != nil {
			return nil, fmt.Errorf("lowering kernel %s: %w", k.Name, err)
		}
		maxElems = max(maxElems, g[0].Layout.NumElements())
	}
	out.Instrs = l.b.instrs
	if opts.UseGrid {
		out.BlockDim = opts.BlockDim
		out.GridDim = max(1, (maxElems+opts.BlockDim-1)/opts.BlockDim)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("lowering kernel %s produced invalid ssa: %w", k.Name, err)
	}
	logutil.Trace("lowered kernel", "name", k.Name, "instrs", len(out.Instrs), "grid", opts.UseGrid)
	slog.Debug("lowered kernel", "name", k.Name, "stores", len(k.Stores), "instrs", len(out.Instrs))
	return out, nil
}

// maxIndex is the largest element count or offset an index of
// ssa.IndexDType can hold.
const maxIndex = math.MaxInt32

// checkIndexRange rejects kernels whose iteration domain or addressed
// offsets overflow ssa.IndexDType.
func checkIndexRange(k *op.Kernel) error {
	check := func(what string, l *tensor.Layout) error {
		if n := l.NumElements(); n > maxIndex {
			return tensor.LoweringErrorf("kernel %s: %s has %d elements, more than %s indices allow", k.Name, what, n, ssa.IndexDType)
		}
		if m := l.MaxOffset(); m > maxIndex {
			return tensor.LoweringErrorf("kernel %s: %s addresses offset %d, beyond %s indices", k.Name, what, m, ssa.IndexDType)
		}
		return nil
	}
	for i, st := range k.Stores {
		if err := check(fmt.Sprintf("store %d", i), st.Layout); err != nil {
			return err
		}
		var err error
		op.Walk(st.Value, func(n op.Ast) {
			if ld, ok := n.(*op.Load); ok && err == nil {
				err = check(fmt.Sprintf("load of arg %d", ld.Arg), ld.Layout)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// groupStores partitions stores into runs with equal iteration shape,
// keeping the first occurrence order.
func groupStores(stores []op.Store) [][]op.Store {
	var groups [][]op.Store
	for _, st := range stores {
		placed := false
		for i, g := range groups {
			if g[0].Layout.Shape().Equal(st.Layout.Shape()) {
				groups[i] = append(groups[i], st)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []op.Store{st})
		}
	}
	return groups
}

type lowerer struct {
	b    *builder
	args map[op.ArgID]ssa.VarID
	opts Options
	// remap replaces load layouts by their coalesced equivalents.
	remap map[*tensor.Layout]*tensor.Layout
}

func (l *lowerer) lowerGroup(stores []op.Store) error {
	shape := stores[0].Layout.Shape()
	l.remap = nil

	if !hasReduce(stores) {
		var layouts []*tensor.Layout
		for _, st := range stores {
			layouts = append(layouts, st.Layout)
			op.Walk(st.Value, func(n op.Ast) {
				if ld, ok := n.(*op.Load); ok {
					layouts = append(layouts, ld.Layout)
				}
			})
		}
		merged, err := tensor.CoalesceDims(layouts...)
		if err != nil {
			return tensor.LoweringErrorf("%v", err)
		}
		l.remap = make(map[*tensor.Layout]*tensor.Layout, len(layouts))
		for i, lay := range layouts {
			l.remap[lay] = merged[i]
		}
		shape = merged[0].Shape()
	}

	depth := len(l.b.opens)
	idx := l.iterationIndex(shape)
	for _, st := range stores {
		v, err := l.lowerAst(st.Value, idx)
		if err != nil {
			return err
		}
		off := l.b.offset(l.layout(st.Layout), idx)
		l.b.push(ssa.Instr{Kind: ssa.Store, Ptr: l.args[st.Dst], X: off, Y: v, DType: st.Value.DType()})
	}
	l.b.closeAll(depth)
	return nil
}

// iterationIndex opens the loops (or grid guard) covering shape and returns
// one index operand per dimension.
func (l *lowerer) iterationIndex(shape tensor.Shape) []ssa.A {
	idx := make([]ssa.A, len(shape))
	if !l.opts.UseGrid {
		for d, size := range shape {
			if size == 1 {
				idx[d] = ssa.I(0)
				continue
			}
			idx[d] = ssa.V(l.b.openRange(size))
		}
		return idx
	}

	block := ssa.V(l.b.emit(ssa.Instr{Kind: ssa.Special, Special: ssa.BlockIdx, DType: ssa.IndexDType}))
	dim := ssa.V(l.b.emit(ssa.Instr{Kind: ssa.Special, Special: ssa.BlockDim, DType: ssa.IndexDType}))
	thread := ssa.V(l.b.emit(ssa.Instr{Kind: ssa.Special, Special: ssa.ThreadIdx, DType: ssa.IndexDType}))
	gid := l.b.add(l.b.mul(block, dim), thread)
	l.b.openIf(gid, ssa.I(shape.NumElements()))
	strides := shape.ComputeStrides()
	for d, size := range shape {
		switch {
		case size == 1:
			idx[d] = ssa.I(0)
		case d == 0:
			idx[d] = l.b.div(gid, strides[d])
		default:
			idx[d] = l.b.rem(l.b.div(gid, strides[d]), size)
		}
	}
	return idx
}

func (l *lowerer) layout(lay *tensor.Layout) *tensor.Layout {
	if m, ok := l.remap[lay]; ok {
		return m
	}
	return lay
}

func (l *lowerer) lowerAst(n op.Ast, idx []ssa.A) (ssa.A, error) {
	key := memoKey{node: n, idx: indexKey(idx)}
	if a, ok := l.b.lookupMemo(key); ok {
		return a, nil
	}
	a, err := l.lowerNode(n, idx)
	if err != nil {
		return ssa.A{}, err
	}
	l.b.storeMemo(key, a)
	return a, nil
}

func (l *lowerer) lowerNode(n op.Ast, idx []ssa.A) (ssa.A, error) {
	switch n := n.(type) {
	case *op.Load:
		ptr, ok := l.args[n.Arg]
		if !ok {
			return ssa.A{}, tensor.LoweringErrorf("load from unknown argument %d", n.Arg)
		}
		off := l.b.offset(l.layout(n.Layout), idx)
		return ssa.V(l.b.emit(ssa.Instr{Kind: ssa.Load, Ptr: ptr, X: off, DType: n.Type})), nil

	case *op.ConstNode:
		return ssa.C(n.Value), nil

	case *op.Unary:
		if n.Op.FloatOnly() && !n.X.DType().IsFloat() {
			return ssa.A{}, tensor.LoweringErrorf("no lowering for %s on %s", n.Op, n.X.DType())
		}
		x, err := l.lowerAst(n.X, idx)
		if err != nil {
			return ssa.A{}, err
		}
		if n.Op == op.Id {
			return x, nil
		}
		return ssa.V(l.b.emit(ssa.Instr{Kind: ssa.Unary, UnaryOp: n.Op, X: x, DType: n.Type})), nil

	case *op.Binary:
		if n.Op.IntOnly() && !n.DType().IsInt() {
			return ssa.A{}, tensor.LoweringErrorf("no lowering for %s on %s", n.Op, n.DType())
		}
		x, err := l.lowerAst(n.Lhs, idx)
		if err != nil {
			return ssa.A{}, err
		}
		y, err := l.lowerAst(n.Rhs, idx)
		if err != nil {
			return ssa.A{}, err
		}
		return l.b.binary(n.Op, x, y, n.DType()), nil

	case *op.Reduce:
		return l.lowerReduce(n, idx)
	}
	return ssa.A{}, tensor.LoweringErrorf("no lowering rule for %T", n)
}

func (l *lowerer) lowerReduce(n *op.Reduce, idx []ssa.A) (ssa.A, error) {
	dtype := n.DType()
	acc := l.b.push(ssa.Instr{Kind: ssa.DefineAcc, Value: n.Op.Identity(dtype), DType: dtype})

	inner := make([]ssa.A, len(idx))
	copy(inner, idx)
	size := n.X.Shape()[n.Dim]
	depth := len(l.b.opens)
	if size == 1 {
		inner[n.Dim] = ssa.I(0)
	} else {
		inner[n.Dim] = ssa.V(l.b.openRange(size))
	}
	v, err := l.lowerAst(n.X, inner)
	if err != nil {
		return ssa.A{}, err
	}
	// The combine reads the accumulator's current value and must not be
	// shared with another iteration's identical expression.
	combined := l.b.push(ssa.Instr{Kind: ssa.Binary, BinaryOp: n.Op.Combine(), X: ssa.V(acc), Y: v, DType: dtype})
	l.b.push(ssa.Instr{Kind: ssa.Assign, Ptr: acc, X: ssa.V(combined)})
	l.b.closeAll(depth)
	return ssa.V(acc), nil
}

func hasReduce(stores []op.Store) bool {
	found := false
	for _, st := range stores {
		op.Walk(st.Value, func(n op.Ast) {
			if _, ok := n.(*op.Reduce); ok {
				found = true
			}
		})
	}
	return found
}

func indexKey(idx []ssa.A) string {
	var sb strings.Builder
	for _, a := range idx {
		sb.WriteString(a.String())
		sb.WriteByte(',')
	}
	return sb.String()
}
