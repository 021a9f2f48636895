package ssa

import (
	"github.com/born-ml/ug/internal/tensor"
)

// Validate checks the structural invariants of the kernel: operands only
// reference earlier value-producing instructions that are still in scope,
// loop and guard markers are properly nested, loads and stores go through
// kernel arguments and assignments target accumulators.
func (k *Kernel) Validate() error {
	type scope struct {
		start int
		kind  Kind
	}
	var stack []scope
	// closedAt[i] is the index of the marker that ended the scope in which
	// value i was defined, or -1 while the scope is open.
	closedAt := make([]int, len(k.Instrs))
	var open [][]int

	checkVar := func(i int, v VarID, what string) error {
		if int(v) < 0 || int(v) >= i {
			return tensor.InternalErrorf("instruction %d: %s references %%%d which is not defined yet", i, what, v)
		}
		if !k.Instrs[v].Kind.HasValue() {
			return tensor.InternalErrorf("instruction %d: %s references %%%d (%s) which has no value", i, what, v, k.Instrs[v].Kind)
		}
		if closedAt[v] >= 0 {
			return tensor.InternalErrorf("instruction %d: %s references %%%d outside of its scope", i, what, v)
		}
		return nil
	}
	checkArg := func(i int, a A, what string) error {
		if a.IsConst {
			return nil
		}
		return checkVar(i, a.Var, what)
	}

	open = append(open, nil)
	for i, in := range k.Instrs {
		closedAt[i] = -1
		var err error
		switch in.Kind {
		case DefineGlobal, Special, Const, DefineAcc:
		case Assign:
			if err = checkVar(i, in.Ptr, "assign target"); err == nil && k.Instrs[in.Ptr].Kind != DefineAcc {
				err = tensor.InternalErrorf("instruction %d: assign target %%%d is not an accumulator", i, in.Ptr)
			}
			if err == nil {
				err = checkArg(i, in.X, "assign value")
			}
		case Range, If:
			if err = checkArg(i, in.X, in.Kind.String()); err == nil {
				err = checkArg(i, in.Y, in.Kind.String())
			}
			if err == nil && (in.Jump <= i || in.Jump >= len(k.Instrs)) {
				err = tensor.InternalErrorf("instruction %d: %s jumps to %d", i, in.Kind, in.Jump)
			}
		case EndRange, EndIf:
			want := Range
			if in.Kind == EndIf {
				want = If
			}
			if len(stack) == 0 || stack[len(stack)-1].kind != want || stack[len(stack)-1].start != in.Jump {
				return tensor.InternalErrorf("instruction %d: unmatched %s", i, in.Kind)
			}
			if k.Instrs[in.Jump].Jump != i {
				return tensor.InternalErrorf("instruction %d: %s and %s at %d disagree", i, in.Kind, want, in.Jump)
			}
			stack = stack[:len(stack)-1]
			for _, v := range open[len(open)-1] {
				closedAt[v] = i
			}
			open = open[:len(open)-1]
			continue
		case Load:
			if err = checkVar(i, in.Ptr, "load source"); err == nil && k.Instrs[in.Ptr].Kind != DefineGlobal {
				err = tensor.InternalErrorf("instruction %d: load source %%%d is not a kernel argument", i, in.Ptr)
			}
			if err == nil {
				err = checkArg(i, in.X, "load offset")
			}
		case Store:
			if err = checkVar(i, in.Ptr, "store target"); err == nil && k.Instrs[in.Ptr].Kind != DefineGlobal {
				err = tensor.InternalErrorf("instruction %d: store target %%%d is not a kernel argument", i, in.Ptr)
			}
			if err == nil {
				err = checkArg(i, in.X, "store offset")
			}
			if err == nil {
				err = checkArg(i, in.Y, "store value")
			}
		case Unary:
			err = checkArg(i, in.X, "unary operand")
		case Binary:
			if err = checkArg(i, in.X, "binary lhs"); err == nil {
				err = checkArg(i, in.Y, "binary rhs")
			}
		default:
			err = tensor.InternalErrorf("instruction %d: unknown kind %d", i, int(in.Kind))
		}
		if err != nil {
			return err
		}
		if in.Kind == Range || in.Kind == If {
			stack = append(stack, scope{start: i, kind: in.Kind})
			open = append(open, nil)
		}
		if in.Kind.HasValue() {
			open[len(open)-1] = append(open[len(open)-1], i)
		}
	}
	if len(stack) > 0 {
		return tensor.InternalErrorf("%s at %d is never closed", stack[len(stack)-1].kind, stack[len(stack)-1].start)
	}
	return nil
}
