package lazy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/tensor"
)

// ErrScheduleConsumed is returned when a Schedule is run a second time.
var ErrScheduleConsumed = errors.New("schedule already consumed")

// Lowered returns the SSA kernels of the schedule's kernel items, in item
// order, lowered for the schedule's device.
func (s *Schedule) Lowered() ([]*ssa.Kernel, error) {
	if len(s.items) == 0 {
		return nil, nil
	}
	opts := lower.Options{UseGrid: s.device.UseGrid(), BlockDim: int(envconfig.BlockDim())}
	var out []*ssa.Kernel
	for _, it := range s.items {
		ki, ok := it.(*KernelItem)
		if !ok {
			continue
		}
		sk, err := lower.Lower(ki.Kernel, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, nil
}

// Run executes the schedule. Every kernel is lowered and compiled before
// the first item runs. When an item fails, the items before it keep their
// outputs and everything after it stays unrealized.
func (s *Schedule) Run(ctx context.Context) error {
	if !s.consumed.CompareAndSwap(false, true) {
		return ErrScheduleConsumed
	}
	if len(s.items) == 0 {
		return nil
	}
	start := time.Now()
	dev := s.device

	kernels, err := s.Lowered()
	if err != nil {
		return err
	}
	names := map[*ssa.Kernel]string{}
	ki := 0
	for _, it := range s.items {
		if k, ok := it.(*KernelItem); ok {
			names[kernels[ki]] = k.Kernel.Name
			ki++
		}
	}
	compile := func(k *ssa.Kernel) (device.Func, error) {
		return dev.Compile(k, names[k])
	}
	fns, err := dev.KernelCache().Precompile(ctx, kernels, compile, envconfig.NumThreads())
	if err != nil {
		return err
	}

	ki = 0
	for i, it := range s.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		var f device.Func
		if _, ok := it.(*KernelItem); ok {
			f = fns[ki]
			ki++
		}
		if err := s.runItem(it, f); err != nil {
			return fmt.Errorf("schedule item %d (%s): %w", i, it, err)
		}
	}
	if err := dev.Synchronize(); err != nil {
		return err
	}
	slog.Debug("schedule run", "device", dev.Name(), "items", len(s.items), "kernels", len(kernels), "duration", time.Since(start))
	return nil
}

func (s *Schedule) runItem(it Item, f device.Func) error {
	dev := s.device
	switch it := it.(type) {
	case *CopyItem:
		dst, err := dev.Allocate(it.Dst.dtype, it.Dst.shape.NumElements())
		if err != nil {
			return err
		}
		if err := dst.CopyHostToDevice(it.Dst.host, it.Dst.dtype); err != nil {
			return err
		}
		it.Dst.setData(dst)
		return nil

	case *MatMulItem:
		dst, err := dev.Allocate(it.Dst.dtype, it.Dst.shape.NumElements())
		if err != nil {
			return err
		}
		lhs, rhs := it.Lhs.Buffer.Slice(), it.Rhs.Buffer.Slice()
		if lhs == nil || rhs == nil {
			return tensor.InternalErrorf("matmul operand not realized")
		}
		if err := dev.MatMul(dst, lhs, rhs, it.BMNK, it.Lhs.Layout, it.Rhs.Layout); err != nil {
			return err
		}
		it.Dst.setData(dst)
		return nil

	case *KernelItem:
		args := make([]device.Slice, 0, len(it.Outs)+len(it.Ins))
		for _, b := range it.Outs {
			dst, err := dev.Allocate(b.dtype, b.shape.NumElements())
			if err != nil {
				return err
			}
			args = append(args, dst)
		}
		for _, b := range it.Ins {
			src := b.Slice()
			if src == nil {
				return tensor.InternalErrorf("kernel input %v not realized", b)
			}
			args = append(args, src)
		}
		if err := dev.Run(f, args); err != nil {
			return err
		}
		for i, b := range it.Outs {
			b.setData(args[i])
		}
		return nil
	}
	return tensor.InternalErrorf("unknown schedule item %T", it)
}

// Realize computes bufs with the options from the environment.
func Realize(bufs ...*Buffer) error {
	return RealizeWith(context.Background(), DefaultOptions(), bufs...)
}

// RealizeWith schedules and runs bufs. Realized buffers are left as they
// are, so realizing twice is a no-op.
func RealizeWith(ctx context.Context, opts Options, bufs ...*Buffer) error {
	s, err := Create(opts, bufs...)
	if err != nil {
		return err
	}
	return s.Run(ctx)
}

// ToVec realizes b and copies its elements to the host.
func ToVec[T tensor.WithDType](b *Buffer) ([]T, error) {
	if err := Realize(b); err != nil {
		return nil, err
	}
	return device.ToVec[T](b.Slice())
}
