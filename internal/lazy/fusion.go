package lazy

import (
	"github.com/born-ml/ug/internal/tensor"
)

// planner holds the unrealized sub-DAG reachable from the roots, indexed
// by depth-first post-order. Every pass works on these indices; since
// inputs always precede their consumers, the order is also a topological
// order of the nodes.
type planner struct {
	opts      Options
	nodes     []*Buffer
	index     map[*Buffer]int
	consumers [][]int
	root      []bool
	mat       []bool
}

func newPlanner(opts Options, roots []*Buffer) (*planner, error) {
	p := &planner{opts: opts, index: map[*Buffer]int{}}
	const (
		visiting = 1
		done     = 2
	)
	state := map[*Buffer]int{}
	var visit func(b *Buffer) error
	visit = func(b *Buffer) error {
		switch state[b] {
		case visiting:
			return tensor.InternalErrorf("schedule: cycle through %v", b)
		case done:
			return nil
		}
		if b.IsRealized() {
			state[b] = done
			return nil
		}
		state[b] = visiting
		for _, s := range b.srcs {
			if err := visit(s); err != nil {
				return err
			}
		}
		state[b] = done
		p.index[b] = len(p.nodes)
		p.nodes = append(p.nodes, b)
		return nil
	}
	for _, r := range roots {
		if err := visit(r); err != nil {
			return nil, err
		}
	}

	n := len(p.nodes)
	p.consumers = make([][]int, n)
	p.root = make([]bool, n)
	p.mat = make([]bool, n)
	for i, b := range p.nodes {
		seen := map[int]bool{}
		for _, s := range b.srcs {
			j, ok := p.index[s]
			if !ok || seen[j] {
				continue
			}
			seen[j] = true
			p.consumers[j] = append(p.consumers[j], i)
		}
	}
	for _, r := range roots {
		if i, ok := p.index[r]; ok {
			p.root[i] = true
		}
	}
	return p, nil
}

// isMat reports whether b is readable from memory: realized already or
// materialized by this schedule.
func (p *planner) isMat(b *Buffer) bool {
	i, ok := p.index[b]
	return !ok || p.mat[i]
}

// operand resolves how b can be read without computing it: as a constant,
// or as materialized memory through a (possibly composed) layout. ok is
// false when b is an unmaterialized computation or a view that cannot be
// expressed over its base.
func (p *planner) operand(b *Buffer) (o Operand, isConst, ok bool) {
	if p.isMat(b) {
		return Operand{Buffer: b, Layout: b.Layout()}, false, true
	}
	switch b.kind {
	case OpConst:
		return Operand{}, true, true
	case OpLayout:
		return p.viewOf(b)
	}
	return Operand{}, false, false
}

// viewOf composes the layout change b over its source, ignoring whether b
// itself is materialized.
func (p *planner) viewOf(b *Buffer) (o Operand, isConst, ok bool) {
	inner, isConst, ok := p.operand(b.srcs[0])
	if !ok || isConst {
		return Operand{}, isConst, ok
	}
	l, err := b.view.Apply(inner.Layout)
	if err != nil {
		return Operand{}, false, false
	}
	return Operand{Buffer: inner.Buffer, Layout: l}, false, true
}

// requireView materializes what is needed for the layout change b to be
// expressed over memory. Each step fixes the deepest failure along the
// view chain: either a computation, or a view whose layout does not
// compose with the one below it, in which case the source is written out
// contiguously.
func (p *planner) requireView(b *Buffer) {
	for {
		if _, _, ok := p.viewOf(b); ok {
			return
		}
		for cur := b; ; cur = cur.srcs[0] {
			src := cur.srcs[0]
			if _, _, ok := p.operand(src); ok || src.kind != OpLayout {
				p.mat[p.index[src]] = true
				break
			}
		}
	}
}

// requireOperand makes b readable through a layout.
func (p *planner) requireOperand(b *Buffer) {
	if _, _, ok := p.operand(b); ok {
		return
	}
	if b.kind != OpLayout {
		p.mat[p.index[b]] = true
		return
	}
	p.requireView(b)
}

// markMaterialized decides the nodes that must be written to memory
// regardless of fusion: roots, host uploads, reductions, matrix products,
// their operands and the sources of layout changes.
func (p *planner) markMaterialized() {
	for i, b := range p.nodes {
		switch b.kind {
		case OpCopy, OpReduce, OpMatMul:
			p.mat[i] = true
		}
		if p.root[i] {
			p.mat[i] = true
		}
	}
	for _, b := range p.nodes {
		switch b.kind {
		case OpMatMul:
			for _, s := range b.srcs {
				if _, isConst, _ := p.operand(s); isConst {
					if i, ok := p.index[s]; ok {
						p.mat[i] = true
					}
					continue
				}
				p.requireOperand(s)
			}
		case OpLayout:
			p.requireView(b)
		}
	}
}

// splitDivergent materializes point-wise intermediates whose consumers end
// up in kernels with different iteration shapes. Walking consumers before
// producers, each node collects the output shapes of the kernels that
// would inline it; more than one distinct shape forces a kernel boundary.
func (p *planner) splitDivergent() {
	ctx := make([]map[string]bool, len(p.nodes))
	for i := len(p.nodes) - 1; i >= 0; i-- {
		b := p.nodes[i]
		if p.mat[i] {
			ctx[i] = map[string]bool{b.shape.String(): true}
			continue
		}
		ctx[i] = map[string]bool{}
		for _, c := range p.consumers[i] {
			for s := range ctx[c] {
				ctx[i][s] = true
			}
		}
		if (b.kind == OpUnary || b.kind == OpBinary) && len(ctx[i]) > 1 {
			p.mat[i] = true
			ctx[i] = map[string]bool{b.shape.String(): true}
		}
	}
}

// inlined returns the unmaterialized computations fused into the kernel
// producing node i.
func (p *planner) inlined(i int) map[int]bool {
	out := map[int]bool{}
	var walk func(b *Buffer)
	walk = func(b *Buffer) {
		for _, s := range b.srcs {
			j, ok := p.index[s]
			if !ok || p.mat[j] || out[j] {
				continue
			}
			if s.kind == OpUnary || s.kind == OpBinary {
				out[j] = true
				walk(s)
			}
		}
	}
	walk(p.nodes[i])
	return out
}

// deps returns the materialized nodes read by the item producing node i.
func (p *planner) deps(i int) map[int]bool {
	out := map[int]bool{}
	seen := map[*Buffer]bool{}
	var walk func(b *Buffer)
	walk = func(b *Buffer) {
		for _, s := range b.srcs {
			if seen[s] {
				continue
			}
			seen[s] = true
			j, ok := p.index[s]
			switch {
			case !ok:
			case p.mat[j]:
				out[j] = true
			default:
				walk(s)
			}
		}
	}
	walk(p.nodes[i])
	return out
}
