package lower

import (
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// builder appends instructions and numbers values. Pure instructions are
// looked up in a stack of scopes before being emitted, so a sub-expression
// that recurs inside the same loop body is computed once. A scope is popped
// when its loop or guard closes, since values defined inside are not
// visible after it.
type builder struct {
	instrs []ssa.Instr
	scopes []map[ssa.Instr]ssa.VarID
	memo   []map[memoKey]ssa.A
	opens  []int
}

type memoKey struct {
	node op.Ast
	idx  string
}

func newBuilder() *builder {
	b := &builder{}
	b.pushScope()
	return b
}

func (b *builder) pushScope() {
	b.scopes = append(b.scopes, map[ssa.Instr]ssa.VarID{})
	b.memo = append(b.memo, map[memoKey]ssa.A{})
}

func (b *builder) popScope() {
	b.scopes = b.scopes[:len(b.scopes)-1]
	b.memo = b.memo[:len(b.memo)-1]
}

// push appends in unconditionally.
func (b *builder) push(in ssa.Instr) ssa.VarID {
	b.instrs = append(b.instrs, in)
	return ssa.VarID(len(b.instrs) - 1)
}

// emit appends a pure instruction unless an identical one is visible.
func (b *builder) emit(in ssa.Instr) ssa.VarID {
	for i := len(b.scopes) - 1; i >= 0; i-- {
		if v, ok := b.scopes[i][in]; ok {
			return v
		}
	}
	v := b.push(in)
	b.scopes[len(b.scopes)-1][in] = v
	return v
}

func (b *builder) lookupMemo(k memoKey) (ssa.A, bool) {
	for i := len(b.memo) - 1; i >= 0; i-- {
		if a, ok := b.memo[i][k]; ok {
			return a, true
		}
	}
	return ssa.A{}, false
}

func (b *builder) storeMemo(k memoKey, a ssa.A) {
	b.memo[len(b.memo)-1][k] = a
}

// openRange starts a loop over [0, n) and returns the loop variable.
func (b *builder) openRange(n int) ssa.VarID {
	v := b.push(ssa.Instr{Kind: ssa.Range, DType: ssa.IndexDType, X: ssa.I(0), Y: ssa.I(n)})
	b.opens = append(b.opens, int(v))
	b.pushScope()
	return v
}

// openIf starts a block executed when x < y.
func (b *builder) openIf(x, y ssa.A) {
	v := b.push(ssa.Instr{Kind: ssa.If, DType: ssa.IndexDType, X: x, Y: y})
	b.opens = append(b.opens, int(v))
	b.pushScope()
}

// close ends the innermost Range or If.
func (b *builder) close() {
	start := b.opens[len(b.opens)-1]
	b.opens = b.opens[:len(b.opens)-1]
	kind := ssa.EndRange
	if b.instrs[start].Kind == ssa.If {
		kind = ssa.EndIf
	}
	end := b.push(ssa.Instr{Kind: kind, Jump: start})
	b.instrs[start].Jump = int(end)
	b.popScope()
}

func (b *builder) closeAll(depth int) {
	for len(b.opens) > depth {
		b.close()
	}
}

// Index arithmetic with folding of constant and identity operands.

func (b *builder) add(x, y ssa.A) ssa.A {
	switch {
	case x.IsConst && y.IsConst:
		return ssa.I(int(x.Const.I + y.Const.I))
	case x.IsConst && x.Const.I == 0:
		return y
	case y.IsConst && y.Const.I == 0:
		return x
	}
	return b.binary(op.Add, x, y, ssa.IndexDType)
}

func (b *builder) mul(x, y ssa.A) ssa.A {
	switch {
	case x.IsConst && y.IsConst:
		return ssa.I(int(x.Const.I * y.Const.I))
	case x.IsConst && x.Const.I == 1:
		return y
	case y.IsConst && y.Const.I == 1:
		return x
	case (x.IsConst && x.Const.I == 0) || (y.IsConst && y.Const.I == 0):
		return ssa.I(0)
	}
	return b.binary(op.Mul, x, y, ssa.IndexDType)
}

func (b *builder) div(x ssa.A, d int) ssa.A {
	if d == 1 {
		return x
	}
	return b.binary(op.Div, x, ssa.I(d), ssa.IndexDType)
}

func (b *builder) rem(x ssa.A, d int) ssa.A {
	if d == 1 {
		return ssa.I(0)
	}
	return b.binary(op.Rem, x, ssa.I(d), ssa.IndexDType)
}

func (b *builder) binary(o op.BinaryOp, x, y ssa.A, dtype tensor.DType) ssa.A {
	return ssa.V(b.emit(ssa.Instr{Kind: ssa.Binary, BinaryOp: o, X: x, Y: y, DType: dtype}))
}

// offset returns the flat element offset of idx in l.
func (b *builder) offset(l *tensor.Layout, idx []ssa.A) ssa.A {
	off := ssa.I(l.Offset())
	for d, size := range l.Shape() {
		stride := l.Strides()[d]
		if size == 1 || stride == 0 {
			continue
		}
		off = b.add(off, b.mul(idx[d], ssa.I(stride)))
	}
	return off
}
