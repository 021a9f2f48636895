package lazy

import (
	"cmp"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"

	"github.com/born-ml/ug/internal/device"
)

// group is one future schedule item: the materialized nodes it writes.
type group struct {
	outs    []int
	inlined map[int]bool
	deps    map[int]bool // materialized nodes read, by node index
}

func (g *group) first() int { return g.outs[0] }

// pointwise reports whether the group is a point-wise kernel that may
// absorb other point-wise kernels of the same shape.
func (p *planner) pointwise(g *group) bool {
	for _, o := range g.outs {
		switch p.nodes[o].kind {
		case OpUnary, OpBinary, OpConst, OpLayout:
		default:
			return false
		}
	}
	return true
}

func (p *planner) kernelGroup(i int) bool {
	switch p.nodes[i].kind {
	case OpCopy:
		return false
	case OpMatMul:
		return p.opts.MatMul == MatMulKernel
	}
	return true
}

// groups creates one group per materialized node, then merges point-wise
// kernels of equal shape that share an inlined computation and do not
// depend on each other, so the shared work runs once.
func (p *planner) groups() []*group {
	var gs []*group
	owner := map[int]*group{}
	for i := range p.nodes {
		if !p.mat[i] {
			continue
		}
		g := &group{outs: []int{i}, inlined: p.inlined(i), deps: p.deps(i)}
		gs = append(gs, g)
		owner[i] = g
	}

	reaches := func(from, to *group) bool {
		seen := map[*group]bool{}
		stack := []*group{from}
		for len(stack) > 0 {
			g := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for d := range g.deps {
				dg := owner[d]
				if dg == to {
					return true
				}
				if !seen[dg] {
					seen[dg] = true
					stack = append(stack, dg)
				}
			}
		}
		return false
	}

	var merged []*group
	for _, g := range gs {
		absorbed := false
		if p.kernelGroup(g.first()) && p.pointwise(g) {
			for _, h := range merged {
				if !p.kernelGroup(h.first()) || !p.pointwise(h) {
					continue
				}
				if !p.nodes[h.first()].shape.Equal(p.nodes[g.first()].shape) || !intersects(h.inlined, g.inlined) {
					continue
				}
				if reaches(g, h) || reaches(h, g) {
					continue
				}
				h.outs = append(h.outs, g.outs...)
				for k := range g.inlined {
					h.inlined[k] = true
				}
				for k := range g.deps {
					h.deps[k] = true
				}
				for _, o := range g.outs {
					owner[o] = h
				}
				absorbed = true
				break
			}
		}
		if !absorbed {
			merged = append(merged, g)
		}
	}
	return merged
}

func intersects(a, b map[int]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}

// order sorts groups topologically with Kahn's algorithm. Among ready
// groups the one whose first output comes earliest in traversal order runs
// first, which makes the order deterministic.
func (p *planner) order(gs []*group) ([]*group, error) {
	owner := map[int]int{}
	for gi, g := range gs {
		for _, o := range g.outs {
			owner[o] = gi
		}
	}
	indeg := make([]int, len(gs))
	users := make([][]int, len(gs))
	for gi, g := range gs {
		seen := map[int]bool{}
		for d := range g.deps {
			dg := owner[d]
			if dg == gi || seen[dg] {
				continue
			}
			seen[dg] = true
			indeg[gi]++
			users[dg] = append(users[dg], gi)
		}
	}

	q := pq.NewWith(func(a, b int) int {
		return cmp.Compare(gs[a].first(), gs[b].first())
	})
	for gi := range gs {
		if indeg[gi] == 0 {
			q.Enqueue(gi)
		}
	}
	var out []*group
	for !q.Empty() {
		gi, _ := q.Dequeue()
		out = append(out, gs[gi])
		for _, u := range users[gi] {
			indeg[u]--
			if indeg[u] == 0 {
				q.Enqueue(u)
			}
		}
	}
	if len(out) != len(gs) {
		return nil, internalCycle(len(gs) - len(out))
	}
	return out, nil
}

// items turns the ordered groups into schedule items.
func (p *planner) items() ([]Item, error) {
	gs, err := p.order(p.groups())
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(gs))
	for _, g := range gs {
		b := p.nodes[g.first()]
		switch {
		case b.kind == OpCopy:
			items = append(items, &CopyItem{Dst: b})
		case b.kind == OpMatMul && p.opts.MatMul == MatMulLibrary:
			it, err := p.matmulItem(b)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		default:
			slices.Sort(g.outs)
			it, err := p.kernelItem(g)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}
	return items, nil
}

func (p *planner) matmulItem(b *Buffer) (*MatMulItem, error) {
	lhs, _, ok1 := p.operand(b.srcs[0])
	rhs, _, ok2 := p.operand(b.srcs[1])
	if !ok1 || !ok2 {
		return nil, internalUnaddressable(b)
	}
	ls, rs := lhs.Layout.Shape(), rhs.Layout.Shape()
	r := ls.Rank()
	batch := ls[:r-2].NumElements()
	return &MatMulItem{
		Dst:  b,
		Lhs:  lhs,
		Rhs:  rhs,
		BMNK: device.BMNK{B: batch, M: ls[r-2], N: rs[r-1], K: ls[r-1]},
	}, nil
}
