// Package cpu implements the CPU device.
//
// Kernels run through the SSA interpreter by default. With native
// compilation enabled (UG_CPU_NATIVE=1, cgo builds only) each kernel is
// translated to C, compiled to a shared object with the system compiler
// and called through dlopen. Matrix products use gonum BLAS.
package cpu

import (
	"fmt"
	"os"
	"sync"

	"github.com/born-ml/ug/internal/cache"
	"github.com/born-ml/ug/internal/codegen"
	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/interpreter"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/logutil"
	"github.com/born-ml/ug/internal/parallel"
	"github.com/born-ml/ug/internal/tensor"
)

// Options configure a CPU device.
type Options struct {
	// Native compiles kernels to machine code instead of interpreting them.
	Native bool
	// CC is the C compiler for native kernels.
	CC string
	// KernelDump, when set, receives a copy of every generated C source.
	KernelDump string
	// Parallel controls the worker pool used by MatMul.
	Parallel parallel.Config
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	return Options{
		Native:     envconfig.CPUNative(),
		CC:         envconfig.CC(),
		KernelDump: envconfig.KernelDump(),
		Parallel:   parallel.DefaultConfig(),
	}
}

// Device is the CPU execution context.
type Device struct {
	opts  Options
	cache *cache.Cache[device.Func]

	mu      sync.Mutex
	workDir string
	libs    []*library
	closed  bool
}

var _ device.Device = (*Device)(nil)

// New returns a CPU device configured from the environment.
func New() (*Device, error) {
	return NewWithOptions(DefaultOptions())
}

// NewWithOptions returns a CPU device. Requesting native kernels in a
// build without cgo fails.
func NewWithOptions(opts Options) (*Device, error) {
	if opts.Native && !nativeSupported {
		return nil, tensor.DeviceErrorf("cpu: native kernels need a cgo build")
	}
	if opts.CC == "" {
		opts.CC = "cc"
	}
	return &Device{opts: opts, cache: cache.New[device.Func]()}, nil
}

// Name returns "cpu".
func (d *Device) Name() string { return "cpu" }

// UseGrid is false: CPU kernels are lowered to explicit loops.
func (d *Device) UseGrid() bool { return false }

// Native reports whether kernels are compiled to machine code.
func (d *Device) Native() bool { return d.opts.Native }

// KernelCache returns the compiled kernels of this device.
func (d *Device) KernelCache() *cache.Cache[device.Func] { return d.cache }

// Synchronize is a no-op: CPU work completes before Run returns.
func (d *Device) Synchronize() error { return nil }

// Allocate returns zeroed host memory.
func (d *Device) Allocate(dtype tensor.DType, n int) (device.Slice, error) {
	if n < 0 {
		return nil, tensor.ShapeErrorf("cpu: negative allocation of %d elements", n)
	}
	return &Slice{dev: d, dtype: dtype, data: make([]byte, n*dtype.Size())}, nil
}

// Compile prepares k for execution. The C source is generated for native
// devices and whenever a dump directory is configured.
func (d *Device) Compile(k *ssa.Kernel, name string) (device.Func, error) {
	name = codegen.Identifier(name)
	if !d.opts.Native && d.opts.KernelDump == "" {
		return &interpFunc{name: name, kernel: k}, nil
	}
	if k.UsesGrid() {
		return nil, tensor.CompileErrorf("cpu: kernel %s was lowered for a grid device", name)
	}
	src, err := GenerateC(k, name)
	if err != nil {
		return nil, err
	}
	logutil.Trace("generated c kernel", "name", name, "source", src)
	if d.opts.KernelDump != "" {
		if err := device.DumpSource(d.opts.KernelDump, k, name, ".c", src); err != nil {
			return nil, err
		}
	}
	if !d.opts.Native {
		return &interpFunc{name: name, kernel: k}, nil
	}
	dir, err := d.scratch()
	if err != nil {
		return nil, err
	}
	lib, err := compileNative(d.opts.CC, dir, name, src)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.libs = append(d.libs, lib)
	d.mu.Unlock()
	return &nativeFunc{name: name, lib: lib, nargs: len(k.Args())}, nil
}

// Run executes f over args.
func (d *Device) Run(f device.Func, args []device.Slice) error {
	if err := device.CheckOwned(d, args...); err != nil {
		return err
	}
	slices := make([]*Slice, len(args))
	for i, a := range args {
		slices[i] = a.(*Slice)
	}
	switch f := f.(type) {
	case *interpFunc:
		bufs := make([]interpreter.Buffer, len(slices))
		for i, s := range slices {
			bufs[i] = interpreter.Buffer{DType: s.dtype, Data: s.data}
		}
		return interpreter.Run(f.kernel, bufs)
	case *nativeFunc:
		if len(slices) != f.nargs {
			return tensor.DeviceErrorf("cpu: kernel %s takes %d arguments, got %d", f.name, f.nargs, len(slices))
		}
		return f.run(slices)
	}
	return tensor.DeviceErrorf("cpu: %T is not a cpu kernel", f)
}

// Close unloads native kernels and removes their build directory.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, lib := range d.libs {
		lib.close()
	}
	d.libs = nil
	if d.workDir != "" {
		return os.RemoveAll(d.workDir)
	}
	return nil
}

func (d *Device) scratch() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", tensor.DeviceErrorf("cpu: device closed")
	}
	if d.workDir == "" {
		dir, err := os.MkdirTemp("", "ug-cpu-")
		if err != nil {
			return "", tensor.CompileErrorf("cpu: creating build directory: %v", err)
		}
		d.workDir = dir
	}
	return d.workDir, nil
}

// interpFunc runs a kernel through the interpreter.
type interpFunc struct {
	name   string
	kernel *ssa.Kernel
}

func (f *interpFunc) Name() string { return f.name }

// nativeFunc calls a compiled kernel.
type nativeFunc struct {
	name  string
	lib   *library
	nargs int
}

func (f *nativeFunc) Name() string { return f.name }

func (f *nativeFunc) run(args []*Slice) error {
	ptrs := make([][]byte, len(args))
	for i, s := range args {
		ptrs[i] = s.data
	}
	if err := f.lib.call(ptrs); err != nil {
		return fmt.Errorf("cpu: kernel %s: %w", f.name, err)
	}
	return nil
}

// Slice is host memory owned by a CPU device.
type Slice struct {
	dev   *Device
	dtype tensor.DType
	data  []byte
}

var _ device.Slice = (*Slice)(nil)

func (s *Slice) Device() device.Device { return s.dev }
func (s *Slice) DType() tensor.DType   { return s.dtype }
func (s *Slice) Len() int              { return len(s.data) / s.dtype.Size() }

// Bytes exposes the backing memory.
func (s *Slice) Bytes() []byte { return s.data }

func (s *Slice) CopyHostToDevice(src []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy host to device", s, src, dtype); err != nil {
		return err
	}
	copy(s.data, src)
	return nil
}

func (s *Slice) CopyDeviceToHost(dst []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy device to host", s, dst, dtype); err != nil {
		return err
	}
	copy(dst, s.data)
	return nil
}
