//go:build darwin && cgo

package metal

/*
#cgo CFLAGS: -x objective-c -fobjc-arc
#cgo LDFLAGS: -framework Foundation -framework Metal -framework MetalPerformanceShaders
#import <Foundation/Foundation.h>
#import <Metal/Metal.h>
#import <MetalPerformanceShaders/MetalPerformanceShaders.h>
#include <stdlib.h>
#include <string.h>

typedef void *ug_ref;

static void ug_release(ug_ref r) {
	if (r) CFRelease(r);
}

static char *ug_strdup(NSString *s) {
	return strdup(s ? [s UTF8String] : "unknown error");
}

static int ug_open(ug_ref *dev, ug_ref *queue, char **name) {
	id<MTLDevice> d = MTLCreateSystemDefaultDevice();
	if (!d) return -1;
	id<MTLCommandQueue> q = [d newCommandQueue];
	if (!q) return -2;
	*name = ug_strdup([d name]);
	*dev = (__bridge_retained void *)d;
	*queue = (__bridge_retained void *)q;
	return 0;
}

static ug_ref ug_buffer(ug_ref dev, size_t n) {
	id<MTLDevice> d = (__bridge id<MTLDevice>)dev;
	id<MTLBuffer> b = [d newBufferWithLength:(n ? n : 1) options:MTLResourceStorageModeShared];
	return b ? (__bridge_retained void *)b : NULL;
}

static void *ug_contents(ug_ref buf) {
	return [(__bridge id<MTLBuffer>)buf contents];
}

static ug_ref ug_pipeline(ug_ref dev, const char *src, const char *name, char **err) {
	@autoreleasepool {
		id<MTLDevice> d = (__bridge id<MTLDevice>)dev;
		NSError *e = nil;
		MTLCompileOptions *opts = [MTLCompileOptions new];
		opts.fastMathEnabled = NO;
		id<MTLLibrary> lib = [d newLibraryWithSource:[NSString stringWithUTF8String:src] options:opts error:&e];
		if (!lib) {
			*err = ug_strdup([e localizedDescription]);
			return NULL;
		}
		id<MTLFunction> fn = [lib newFunctionWithName:[NSString stringWithUTF8String:name]];
		if (!fn) {
			*err = ug_strdup(@"function not found in library");
			return NULL;
		}
		id<MTLComputePipelineState> p = [d newComputePipelineStateWithFunction:fn error:&e];
		if (!p) {
			*err = ug_strdup([e localizedDescription]);
			return NULL;
		}
		return (__bridge_retained void *)p;
	}
}

static unsigned long ug_max_threads(ug_ref pipeline) {
	return [(__bridge id<MTLComputePipelineState>)pipeline maxTotalThreadsPerThreadgroup];
}

// ug_launch encodes one dispatch, commits it and returns the command buffer
// so that the caller can wait for the queue to drain.
static ug_ref ug_launch(ug_ref queue, ug_ref pipeline, ug_ref *bufs, int n, unsigned int grid, unsigned int block) {
	@autoreleasepool {
		id<MTLCommandQueue> q = (__bridge id<MTLCommandQueue>)queue;
		id<MTLCommandBuffer> cb = [q commandBuffer];
		id<MTLComputeCommandEncoder> enc = [cb computeCommandEncoder];
		[enc setComputePipelineState:(__bridge id<MTLComputePipelineState>)pipeline];
		for (int i = 0; i < n; i++) {
			[enc setBuffer:(__bridge id<MTLBuffer>)bufs[i] offset:0 atIndex:i];
		}
		[enc dispatchThreadgroups:MTLSizeMake(grid, 1, 1) threadsPerThreadgroup:MTLSizeMake(block, 1, 1)];
		[enc endEncoding];
		[cb commit];
		return (__bridge_retained void *)cb;
	}
}

typedef struct {
	ug_ref buf;
	size_t offset;
	int trans;
	int rows, cols;
	size_t row_bytes, matrix_bytes;
} ug_matrix;

static MPSMatrix *ug_mps_matrix(ug_matrix m, int batch, MPSDataType dt) {
	MPSMatrixDescriptor *desc = [MPSMatrixDescriptor matrixDescriptorWithRows:m.rows
		columns:m.cols matrices:batch rowBytes:m.row_bytes matrixBytes:m.matrix_bytes dataType:dt];
	return [[MPSMatrix alloc] initWithBuffer:(__bridge id<MTLBuffer>)m.buf offset:m.offset descriptor:desc];
}

static ug_ref ug_matmul(ug_ref dev, ug_ref queue, int half, int batch, int m, int n, int k,
		ug_matrix a, ug_matrix b, ug_matrix c) {
	@autoreleasepool {
		MPSDataType dt = half ? MPSDataTypeFloat16 : MPSDataTypeFloat32;
		id<MTLDevice> d = (__bridge id<MTLDevice>)dev;
		MPSMatrixMultiplication *mm = [[MPSMatrixMultiplication alloc] initWithDevice:d
			transposeLeft:a.trans transposeRight:b.trans resultRows:m resultColumns:n
			interiorColumns:k alpha:1.0 beta:0.0];
		id<MTLCommandBuffer> cb = [(__bridge id<MTLCommandQueue>)queue commandBuffer];
		[mm encodeToCommandBuffer:cb leftMatrix:ug_mps_matrix(a, batch, dt)
			rightMatrix:ug_mps_matrix(b, batch, dt) resultMatrix:ug_mps_matrix(c, batch, dt)];
		[cb commit];
		return (__bridge_retained void *)cb;
	}
}

static int ug_wait(ug_ref cmd, char **err) {
	id<MTLCommandBuffer> cb = (__bridge id<MTLCommandBuffer>)cmd;
	[cb waitUntilCompleted];
	if ([cb status] == MTLCommandBufferStatusError) {
		*err = ug_strdup([[cb error] localizedDescription]);
		return -1;
	}
	return 0;
}
*/
import "C"

import (
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/born-ml/ug/internal/cache"
	"github.com/born-ml/ug/internal/codegen"
	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/logutil"
	"github.com/born-ml/ug/internal/tensor"
)

// Device is the system default GPU with one command queue.
type Device struct {
	opts  Options
	name  string
	dev   C.ug_ref
	queue C.ug_ref
	cache *cache.Cache[device.Func]
	// fault is one int set by kernels that divide an integer by zero.
	fault C.ug_ref

	mu        sync.Mutex
	last      C.ug_ref
	pipelines []C.ug_ref
	closed    bool

	faultMu sync.Mutex
}

var _ device.Device = (*Device)(nil)

// NewWithOptions opens the system default GPU.
func NewWithOptions(opts Options) (*Device, error) {
	var dev, queue C.ug_ref
	var name *C.char
	if rc := C.ug_open(&dev, &queue, &name); rc != 0 {
		return nil, tensor.DeviceErrorf("metal: no device available (code %d)", int(rc))
	}
	fault := C.ug_buffer(dev, 4)
	if fault == nil {
		C.free(unsafe.Pointer(name))
		C.ug_release(queue)
		C.ug_release(dev)
		return nil, tensor.DeviceErrorf("metal: allocating the fault flag")
	}
	d := &Device{
		opts:  opts,
		name:  C.GoString(name),
		dev:   dev,
		queue: queue,
		cache: cache.New[device.Func](),
		fault: fault,
	}
	C.free(unsafe.Pointer(name))
	slog.Debug("metal device opened", "name", d.name)
	return d, nil
}

func (d *Device) Name() string { return "metal" }

func (d *Device) UseGrid() bool { return true }

func (d *Device) KernelCache() *cache.Cache[device.Func] { return d.cache }

// committed records cb as the most recent command buffer.
func (d *Device) committed(cb C.ug_ref) {
	d.mu.Lock()
	prev := d.last
	d.last = cb
	d.mu.Unlock()
	C.ug_release(prev)
}

// Synchronize waits for the last committed command buffer. The queue runs
// buffers in commit order, so this drains all earlier work too.
func (d *Device) Synchronize() error {
	d.mu.Lock()
	cb := d.last
	d.last = nil
	d.mu.Unlock()
	if cb == nil {
		return nil
	}
	defer C.ug_release(cb)
	var msg *C.char
	if C.ug_wait(cb, &msg) != 0 {
		defer C.free(unsafe.Pointer(msg))
		return tensor.DeviceErrorf("metal: command buffer failed: %s", C.GoString(msg))
	}
	return nil
}

// Allocate returns a shared-storage buffer, released when the Slice is
// garbage collected.
func (d *Device) Allocate(dtype tensor.DType, n int) (device.Slice, error) {
	if n < 0 {
		return nil, tensor.ShapeErrorf("metal: negative allocation of %d elements", n)
	}
	buf := C.ug_buffer(d.dev, C.size_t(n*dtype.Size()))
	if buf == nil {
		return nil, tensor.DeviceErrorf("metal: allocating %d bytes", n*dtype.Size())
	}
	s := &Slice{dev: d, dtype: dtype, n: n, buf: buf}
	runtime.AddCleanup(s, func(b C.ug_ref) { C.ug_release(b) }, buf)
	return s, nil
}

// Func is a compute pipeline with its launch dimensions.
type Func struct {
	name        string
	pipeline    C.ug_ref
	grid, block int
	nargs       int
	divides     bool
}

func (f *Func) Name() string { return f.name }

// Compile generates MSL for k and builds a compute pipeline.
func (d *Device) Compile(k *ssa.Kernel, name string) (device.Func, error) {
	start := time.Now()
	src, err := GenerateMSL(k, name)
	if err != nil {
		return nil, err
	}
	name = codegen.Identifier(name)
	logutil.Trace("generated metal kernel", "name", name, "source", src)
	if d.opts.KernelDump != "" {
		if err := device.DumpSource(d.opts.KernelDump, k, name, ".metal", src); err != nil {
			return nil, err
		}
	}

	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	var msg *C.char
	p := C.ug_pipeline(d.dev, csrc, cname, &msg)
	if p == nil {
		defer C.free(unsafe.Pointer(msg))
		return nil, tensor.CompileErrorf("metal: %s: %s", name, C.GoString(msg))
	}
	if limit := int(C.ug_max_threads(p)); k.BlockDim > limit {
		C.ug_release(p)
		return nil, tensor.CompileErrorf("metal: %s needs %d threads per group, pipeline allows %d", name, k.BlockDim, limit)
	}
	d.mu.Lock()
	d.pipelines = append(d.pipelines, p)
	d.mu.Unlock()
	slog.Debug("metal kernel compiled", "name", name, "duration", time.Since(start))
	return &Func{
		name:     name,
		pipeline: p,
		grid:     k.GridDim,
		block:    k.BlockDim,
		nargs:    len(k.Args()),
		divides:  codegen.DividesIntegers(k),
	}, nil
}

// Run commits f to the command queue.
func (d *Device) Run(f device.Func, args []device.Slice) error {
	mf, ok := f.(*Func)
	if !ok {
		return tensor.DeviceErrorf("metal: %T is not a metal kernel", f)
	}
	if err := device.CheckOwned(d, args...); err != nil {
		return err
	}
	if len(args) != mf.nargs {
		return tensor.DeviceErrorf("metal: kernel %s takes %d arguments, got %d", mf.name, mf.nargs, len(args))
	}
	n := len(args)
	if mf.divides {
		n++
	}
	bufs := C.malloc(C.size_t(max(n, 1)) * C.size_t(unsafe.Sizeof(C.ug_ref(nil))))
	defer C.free(bufs)
	view := unsafe.Slice((*C.ug_ref)(bufs), max(n, 1))
	for i, a := range args {
		view[i] = a.(*Slice).buf
	}
	if !mf.divides {
		cb := C.ug_launch(d.queue, mf.pipeline, (*C.ug_ref)(bufs), C.int(n), C.uint(mf.grid), C.uint(mf.block))
		runtime.KeepAlive(args)
		d.committed(cb)
		return nil
	}

	// The flag is read back right away, so these launches are synchronous.
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	if err := d.Synchronize(); err != nil {
		return err
	}
	flag := (*C.int)(C.ug_contents(d.fault))
	*flag = 0
	view[len(args)] = d.fault
	cb := C.ug_launch(d.queue, mf.pipeline, (*C.ug_ref)(bufs), C.int(n), C.uint(mf.grid), C.uint(mf.block))
	runtime.KeepAlive(args)
	d.committed(cb)
	if err := d.Synchronize(); err != nil {
		return err
	}
	if *flag != 0 {
		return tensor.DeviceErrorf("metal: kernel %s: integer division by zero", mf.name)
	}
	return nil
}

// mpsMatrix describes one operand for MPS, or reports false when its
// layout cannot be expressed as a batch of equally spaced matrices.
func mpsMatrix(s *Slice, l *tensor.Layout, batch int) (C.ug_matrix, bool) {
	g, ok := device.GemmLayout(l)
	if !ok {
		return C.ug_matrix{}, false
	}
	shape := l.Shape()
	rows, cols := shape[len(shape)-2], shape[len(shape)-1]
	if g.Trans {
		rows, cols = cols, rows
	}
	if batch > 1 && (g.Batch < rows*g.LD || g.Batch%g.LD != 0) {
		return C.ug_matrix{}, false
	}
	size := s.dtype.Size()
	trans := C.int(0)
	if g.Trans {
		trans = 1
	}
	return C.ug_matrix{
		buf:          s.buf,
		offset:       C.size_t(g.Offset * size),
		trans:        trans,
		rows:         C.int(rows),
		cols:         C.int(cols),
		row_bytes:    C.size_t(g.LD * size),
		matrix_bytes: C.size_t(max(g.Batch, rows*g.LD) * size),
	}, true
}

// MatMul uses MPS for f32 and f16 operands with compatible layouts and a
// generated kernel for everything else.
func (d *Device) MatMul(dst, lhs, rhs device.Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout) error {
	if err := device.CheckOwned(d, dst, lhs, rhs); err != nil {
		return err
	}
	if err := device.CheckMatMul(dst, lhs, rhs, bmnk, lhsL, rhsL); err != nil {
		return err
	}
	dtype := dst.DType()
	a, aok := mpsMatrix(lhs.(*Slice), lhsL, bmnk.B)
	b, bok := mpsMatrix(rhs.(*Slice), rhsL, bmnk.B)
	if (dtype != tensor.F32 && dtype != tensor.F16) || !aok || !bok {
		return device.MatMulKernel(d, dst, lhs, rhs, lhsL, rhsL, d.opts.BlockDim)
	}
	size := dtype.Size()
	c := C.ug_matrix{
		buf:          dst.(*Slice).buf,
		rows:         C.int(bmnk.M),
		cols:         C.int(bmnk.N),
		row_bytes:    C.size_t(bmnk.N * size),
		matrix_bytes: C.size_t(bmnk.M * bmnk.N * size),
	}
	half := C.int(0)
	if dtype == tensor.F16 {
		half = 1
	}
	cb := C.ug_matmul(d.dev, d.queue, half, C.int(bmnk.B), C.int(bmnk.M), C.int(bmnk.N), C.int(bmnk.K), a, b, c)
	runtime.KeepAlive(lhs)
	runtime.KeepAlive(rhs)
	runtime.KeepAlive(dst)
	d.committed(cb)
	return nil
}

// Close drains the queue and releases the pipelines, the queue and the
// device. Slices must not be used afterwards.
func (d *Device) Close() error {
	err := d.Synchronize()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return err
	}
	d.closed = true
	for _, p := range d.pipelines {
		C.ug_release(p)
	}
	d.pipelines = nil
	C.ug_release(d.fault)
	C.ug_release(d.queue)
	C.ug_release(d.dev)
	return err
}

// Slice is a shared-storage Metal buffer.
type Slice struct {
	dev   *Device
	dtype tensor.DType
	n     int
	buf   C.ug_ref
}

var _ device.Slice = (*Slice)(nil)

func (s *Slice) Device() device.Device { return s.dev }
func (s *Slice) DType() tensor.DType   { return s.dtype }
func (s *Slice) Len() int              { return s.n }

func (s *Slice) bytes() []byte {
	return unsafe.Slice((*byte)(C.ug_contents(s.buf)), s.n*s.dtype.Size())
}

// CopyHostToDevice waits for queued work, which may still read the buffer,
// before overwriting it.
func (s *Slice) CopyHostToDevice(src []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy host to device", s, src, dtype); err != nil {
		return err
	}
	if err := s.dev.Synchronize(); err != nil {
		return err
	}
	copy(s.bytes(), src)
	runtime.KeepAlive(s)
	return nil
}

func (s *Slice) CopyDeviceToHost(dst []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy device to host", s, dst, dtype); err != nil {
		return err
	}
	if err := s.dev.Synchronize(); err != nil {
		return err
	}
	copy(dst, s.bytes())
	runtime.KeepAlive(s)
	return nil
}
