//go:build windows

package webgpu

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/ug/internal/cache"
	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/logutil"
	"github.com/born-ml/ug/internal/tensor"
)

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// Device is one WebGPU adapter with its queue.
type Device struct {
	opts     Options
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     wgpu.AdapterInfo
	pool     *bufferPool[*wgpu.Buffer]
	cache    *cache.Cache[device.Func]

	mu      sync.Mutex
	shaders []*wgpu.ShaderModule
	funcs   []*Func
	closed  bool
}

var _ device.Device = (*Device)(nil)

// NewWithOptions opens the default high-performance adapter. It fails when
// the wgpu-native library cannot be loaded.
func NewWithOptions(opts Options) (d *Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = tensor.DeviceErrorf("webgpu: native library not available: %v", r)
		}
	}()

	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		instance.Release()
		return nil, tensor.DeviceErrorf("webgpu: requesting adapter: %v", err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, tensor.DeviceErrorf("webgpu: requesting device: %v", err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, tensor.DeviceErrorf("webgpu: device has no queue")
	}

	d = &Device{
		opts:     opts,
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
		info:     adapter.GetInfo(),
		cache:    cache.New[device.Func](),
	}
	d.pool = newBufferPool(func(size uint64) (*wgpu.Buffer, error) {
		return d.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: storageUsage, Size: size}), nil
	}, func(b *wgpu.Buffer) { b.Release() })
	slog.Debug("webgpu device opened", "adapter", d.info.Device, "vendor", d.info.Vendor)
	return d, nil
}

// IsAvailable reports whether an adapter can be requested.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

func (d *Device) Name() string { return "webgpu" }

func (d *Device) UseGrid() bool { return true }

func (d *Device) KernelCache() *cache.Cache[device.Func] { return d.cache }

// PoolStats reports buffer pool activity.
func (d *Device) PoolStats() PoolStats { return d.pool.Stats() }

// Synchronize waits for submitted work by mapping a small staging buffer,
// which completes only after everything queued before it.
func (d *Device) Synchronize() error {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  4,
	})
	defer staging.Release()
	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, 4); err != nil {
		return tensor.DeviceErrorf("webgpu: synchronize: %v", err)
	}
	staging.Unmap()
	return nil
}

type poolRef struct {
	pool *bufferPool[*wgpu.Buffer]
	buf  *wgpu.Buffer
	size uint64
}

// Allocate takes a buffer from the pool; it goes back when the Slice is
// garbage collected.
func (d *Device) Allocate(dtype tensor.DType, n int) (device.Slice, error) {
	if n < 0 {
		return nil, tensor.ShapeErrorf("webgpu: negative allocation of %d elements", n)
	}
	if _, err := storageType(dtype); err != nil {
		return nil, err
	}
	buf, size, err := d.pool.acquire(alignedSize(n * dtype.Size()))
	if err != nil {
		return nil, err
	}
	s := &Slice{dev: d, dtype: dtype, n: n, buf: buf, size: size}
	runtime.AddCleanup(s, func(r poolRef) { r.pool.release(r.buf, r.size) }, poolRef{d.pool, buf, size})
	return s, nil
}

// Func is a compute pipeline with its launch dimensions.
type Func struct {
	name     string
	pipeline *wgpu.ComputePipeline
	grid     int
	nargs    int
}

func (f *Func) Name() string { return f.name }

// Compile generates WGSL for k and builds a compute pipeline.
func (d *Device) Compile(k *ssa.Kernel, name string) (f device.Func, err error) {
	start := time.Now()
	src, err := GenerateWGSL(k, name)
	if err != nil {
		return nil, err
	}
	entry := EntryPoint(name)
	logutil.Trace("generated wgsl kernel", "name", entry, "source", src)
	if d.opts.KernelDump != "" {
		if err := device.DumpSource(d.opts.KernelDump, k, entry, ".wgsl", src); err != nil {
			return nil, err
		}
	}

	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = tensor.CompileErrorf("webgpu: %s: %v", entry, r)
		}
	}()
	shader := d.device.CreateShaderModuleWGSL(src)
	pipeline := d.device.CreateComputePipelineSimple(nil, shader, entry)
	wf := &Func{name: entry, pipeline: pipeline, grid: k.GridDim, nargs: len(k.Args())}
	d.mu.Lock()
	d.shaders = append(d.shaders, shader)
	d.funcs = append(d.funcs, wf)
	d.mu.Unlock()
	slog.Debug("webgpu kernel compiled", "name", entry, "duration", time.Since(start))
	return wf, nil
}

// Run binds args to group 0 in order and submits one dispatch.
func (d *Device) Run(f device.Func, args []device.Slice) error {
	wf, ok := f.(*Func)
	if !ok {
		return tensor.DeviceErrorf("webgpu: %T is not a webgpu kernel", f)
	}
	if err := device.CheckOwned(d, args...); err != nil {
		return err
	}
	if len(args) != wf.nargs {
		return tensor.DeviceErrorf("webgpu: kernel %s takes %d arguments, got %d", wf.name, wf.nargs, len(args))
	}
	entries := make([]wgpu.BindGroupEntry, len(args))
	for i, a := range args {
		s := a.(*Slice)
		entries[i] = wgpu.BufferBindingEntry(uint32(i), s.buf, 0, s.size)
	}
	bindGroup := d.device.CreateBindGroupSimple(wf.pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(wf.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(uint32(wf.grid), 1, 1)
	pass.End()
	d.queue.Submit(encoder.Finish(nil))
	runtime.KeepAlive(args)
	return nil
}

// MatMul always runs a generated kernel: WebGPU has no vendor BLAS.
func (d *Device) MatMul(dst, lhs, rhs device.Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout) error {
	if err := device.CheckOwned(d, dst, lhs, rhs); err != nil {
		return err
	}
	if err := device.CheckMatMul(dst, lhs, rhs, bmnk, lhsL, rhsL); err != nil {
		return err
	}
	return device.MatMulKernel(d, dst, lhs, rhs, lhsL, rhsL, d.opts.BlockDim)
}

// Close releases pipelines, pooled buffers and the adapter. Slices must
// not be used afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.pool.clear()
	for _, f := range d.funcs {
		f.pipeline.Release()
	}
	for _, s := range d.shaders {
		s.Release()
	}
	d.funcs, d.shaders = nil, nil
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	return nil
}

// Slice is a pooled storage buffer.
type Slice struct {
	dev   *Device
	dtype tensor.DType
	n     int
	buf   *wgpu.Buffer
	size  uint64
}

var _ device.Slice = (*Slice)(nil)

func (s *Slice) Device() device.Device { return s.dev }
func (s *Slice) DType() tensor.DType   { return s.dtype }
func (s *Slice) Len() int              { return s.n }

// CopyHostToDevice uploads through a buffer mapped at creation, queued
// behind any kernel still using s.
func (s *Slice) CopyHostToDevice(src []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy host to device", s, src, dtype); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	size := alignedSize(len(src))
	d := s.dev.device
	staging := d.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsageCopySrc,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	defer staging.Release()
	mapped := unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size)
	copy(mapped, src)
	staging.Unmap()

	encoder := d.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, s.buf, 0, size)
	s.dev.queue.Submit(encoder.Finish(nil))
	return nil
}

// CopyDeviceToHost reads s back through a mappable staging buffer.
func (s *Slice) CopyDeviceToHost(dst []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy device to host", s, dst, dtype); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	size := alignedSize(len(dst))
	d := s.dev.device
	staging := d.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(s.buf, 0, staging, 0, size)
	s.dev.queue.Submit(encoder.Finish(nil))
	if err := staging.MapAsync(d, wgpu.MapModeRead, 0, size); err != nil {
		return tensor.DeviceErrorf("webgpu: mapping staging buffer: %v", err)
	}
	copy(dst, unsafe.Slice((*byte)(staging.GetMappedRange(0, size)), size))
	staging.Unmap()
	return nil
}

func (s *Slice) String() string {
	return fmt.Sprintf("webgpu.Slice(%s, %d)", s.dtype, s.n)
}
