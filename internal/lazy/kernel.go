package lazy

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/tensor"
)

func internalCycle(n int) error {
	return tensor.InternalErrorf("schedule: %d items left unordered, dependency cycle", n)
}

func internalUnaddressable(b *Buffer) error {
	return tensor.InternalErrorf("schedule: operand of %v is not addressable", b)
}

// kernelBuilder assembles the operation tree of one fused kernel. Arguments
// are numbered outputs first, then inputs in order of first use.
type kernelBuilder struct {
	p    *planner
	args *orderedmap.OrderedMap[*Buffer, op.ArgID]
	ins  []*Buffer
	memo map[*Buffer]op.Ast
}

func (kb *kernelBuilder) arg(b *Buffer) op.ArgID {
	if id, ok := kb.args.Get(b); ok {
		return id
	}
	id := op.ArgID(kb.args.Len())
	kb.args.Set(b, id)
	kb.ins = append(kb.ins, b)
	return id
}

func (kb *kernelBuilder) load(o Operand) op.Ast {
	return op.NewLoad(kb.arg(o.Buffer), o.Layout, o.Buffer.dtype)
}

// constOf returns the scalar under a chain of layout changes over a
// constant.
func constOf(b *Buffer) tensor.Const {
	for b.kind == OpLayout {
		b = b.srcs[0]
	}
	return b.value
}

// input returns the expression reading b from inside another node's kernel.
func (kb *kernelBuilder) input(b *Buffer) (op.Ast, error) {
	if kb.p.isMat(b) {
		return kb.load(Operand{Buffer: b, Layout: b.Layout()}), nil
	}
	if b.kind == OpLayout {
		o, isConst, ok := kb.p.operand(b)
		switch {
		case !ok:
			return nil, internalUnaddressable(b)
		case isConst:
			return op.NewConst(constOf(b), b.shape), nil
		}
		return kb.load(o), nil
	}
	return kb.expr(b)
}

// expr returns the expression computing b from its sources.
func (kb *kernelBuilder) expr(b *Buffer) (op.Ast, error) {
	if n, ok := kb.memo[b]; ok {
		return n, nil
	}
	var (
		n   op.Ast
		err error
	)
	switch b.kind {
	case OpConst:
		n = op.NewConst(b.value, b.shape)
	case OpLayout:
		o, isConst, ok := kb.p.viewOf(b)
		switch {
		case !ok:
			return nil, internalUnaddressable(b)
		case isConst:
			n = op.NewConst(constOf(b), b.shape)
		default:
			n = kb.load(o)
		}
	case OpUnary:
		x, xerr := kb.input(b.srcs[0])
		if xerr != nil {
			return nil, xerr
		}
		if b.unary == op.Cast {
			n = op.NewCast(x, b.dtype)
		} else {
			n, err = op.NewUnary(b.unary, x)
		}
	case OpBinary:
		lhs, lerr := kb.input(b.srcs[0])
		if lerr != nil {
			return nil, lerr
		}
		rhs, rerr := kb.input(b.srcs[1])
		if rerr != nil {
			return nil, rerr
		}
		n, err = op.NewBinary(b.binary, lhs, rhs)
	case OpReduce:
		x, xerr := kb.input(b.srcs[0])
		if xerr != nil {
			return nil, xerr
		}
		n, err = op.NewReduce(b.reduce, x, tensor.D(b.dim))
	default:
		return nil, tensor.InternalErrorf("schedule: %v cannot be fused", b)
	}
	if err != nil {
		return nil, err
	}
	kb.memo[b] = n
	return n, nil
}

// store builds the store materializing output b.
func (kb *kernelBuilder) store(b *Buffer, dst op.ArgID) (op.Store, error) {
	if b.kind == OpMatMul {
		lhs, _, ok1 := kb.p.operand(b.srcs[0])
		rhs, _, ok2 := kb.p.operand(b.srcs[1])
		if !ok1 || !ok2 {
			return op.Store{}, internalUnaddressable(b)
		}
		value, layout, err := op.MatMulExpr(kb.arg(lhs.Buffer), lhs.Layout, kb.arg(rhs.Buffer), rhs.Layout, b.dtype)
		if err != nil {
			return op.Store{}, err
		}
		return op.Store{Dst: dst, Layout: layout, Value: value}, nil
	}
	value, err := kb.expr(b)
	if err != nil {
		return op.Store{}, err
	}
	return op.Store{Dst: dst, Layout: b.Layout(), Value: value}, nil
}

func (p *planner) kernelItem(g *group) (*KernelItem, error) {
	kb := &kernelBuilder{
		p:    p,
		args: orderedmap.New[*Buffer, op.ArgID](),
		memo: map[*Buffer]op.Ast{},
	}
	outs := make([]*Buffer, len(g.outs))
	for i, o := range g.outs {
		outs[i] = p.nodes[o]
		kb.args.Set(outs[i], op.ArgID(i))
	}
	stores := make([]op.Store, len(outs))
	for i, b := range outs {
		st, err := kb.store(b, op.ArgID(i))
		if err != nil {
			return nil, err
		}
		stores[i] = st
	}

	k := &op.Kernel{Stores: stores}
	for pair := kb.args.Oldest(); pair != nil; pair = pair.Next() {
		k.Args = append(k.Args, op.Arg{ID: pair.Value, DType: pair.Key.dtype})
	}
	k.Name = op.DefaultName(stores)
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &KernelItem{Kernel: k, Outs: outs, Ins: kb.ins}, nil
}
