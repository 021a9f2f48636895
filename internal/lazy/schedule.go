package lazy

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/tensor"
)

// MatMulMode selects how matrix products are executed.
type MatMulMode int

const (
	// MatMulLibrary dispatches to Device.MatMul.
	MatMulLibrary MatMulMode = iota
	// MatMulKernel generates a reduction kernel.
	MatMulKernel
)

func (m MatMulMode) String() string {
	if m == MatMulKernel {
		return "kernel"
	}
	return "library"
}

// Options tune scheduling.
type Options struct {
	MatMul MatMulMode
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	opts := Options{}
	if envconfig.MatMul() == "kernel" {
		opts.MatMul = MatMulKernel
	}
	return opts
}

// Operand is materialized memory read through a layout.
type Operand struct {
	Buffer *Buffer
	Layout *tensor.Layout
}

// Item is one step of a Schedule.
type Item interface {
	// Outputs are the buffers the item materializes.
	Outputs() []*Buffer
	// Inputs are the materialized buffers the item reads.
	Inputs() []*Buffer
	String() string
}

// CopyItem uploads host data into a new slice.
type CopyItem struct {
	Dst *Buffer
}

// MatMulItem runs a matrix product through the device library.
type MatMulItem struct {
	Dst      *Buffer
	Lhs, Rhs Operand
	BMNK     device.BMNK
}

// KernelItem runs a fused kernel. Outs are bound to the first kernel
// arguments and Ins to the rest.
type KernelItem struct {
	Kernel *op.Kernel
	Outs   []*Buffer
	Ins    []*Buffer
}

func (it *CopyItem) Outputs() []*Buffer   { return []*Buffer{it.Dst} }
func (it *CopyItem) Inputs() []*Buffer    { return nil }
func (it *MatMulItem) Outputs() []*Buffer { return []*Buffer{it.Dst} }
func (it *MatMulItem) Inputs() []*Buffer  { return []*Buffer{it.Lhs.Buffer, it.Rhs.Buffer} }
func (it *KernelItem) Outputs() []*Buffer { return it.Outs }
func (it *KernelItem) Inputs() []*Buffer  { return it.Ins }

// Args returns the buffers in kernel argument order.
func (it *KernelItem) Args() []*Buffer {
	return append(append([]*Buffer{}, it.Outs...), it.Ins...)
}

func (it *CopyItem) String() string {
	return fmt.Sprintf("copy -> %s", ids(it.Outputs()))
}

func (it *MatMulItem) String() string {
	return fmt.Sprintf("matmul %s -> %s (%v)", ids(it.Inputs()), ids(it.Outputs()), it.BMNK)
}

func (it *KernelItem) String() string {
	return fmt.Sprintf("kernel %s %s -> %s", it.Kernel.Name, ids(it.Ins), ids(it.Outs))
}

func ids(bufs []*Buffer) string {
	parts := make([]string, len(bufs))
	for i, b := range bufs {
		parts[i] = fmt.Sprintf("#%d", b.id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Schedule is an ordered plan realizing a set of roots. It can be run once.
type Schedule struct {
	device   device.Device
	roots    []*Buffer
	items    []Item
	consumed atomic.Bool
}

// Device returns the device the schedule runs on.
func (s *Schedule) Device() device.Device { return s.device }

// Roots returns the buffers the schedule was created for.
func (s *Schedule) Roots() []*Buffer { return s.roots }

// Items returns the steps in execution order.
func (s *Schedule) Items() []Item { return s.items }

// NumKernels counts the generated kernels.
func (s *Schedule) NumKernels() int {
	n := 0
	for _, it := range s.items {
		if _, ok := it.(*KernelItem); ok {
			n++
		}
	}
	return n
}

// Create plans the realization of roots. Already realized roots contribute
// nothing; if every root is realized the schedule is empty.
func Create(opts Options, roots ...*Buffer) (*Schedule, error) {
	if len(roots) == 0 {
		return &Schedule{}, nil
	}
	dev := roots[0].device
	for _, r := range roots[1:] {
		if r.device != dev {
			return nil, tensor.DeviceErrorf("schedule: roots on %s and %s", dev.Name(), r.device.Name())
		}
	}

	p, err := newPlanner(opts, roots)
	if err != nil {
		return nil, err
	}
	p.markMaterialized()
	p.splitDivergent()
	items, err := p.items()
	if err != nil {
		return nil, err
	}
	slog.Debug("schedule created", "roots", len(roots), "nodes", len(p.nodes), "items", len(items))
	return &Schedule{device: dev, roots: roots, items: items}, nil
}
