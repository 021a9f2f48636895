//go:build linux && cgo

package cuda

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>

typedef int CUresult;
typedef int CUdevice;
typedef unsigned long long CUdeviceptr;
typedef void *CUcontext;
typedef void *CUmodule;
typedef void *CUfunction;
typedef int nvrtcResult;
typedef void *nvrtcProgram;
typedef int cublasStatus_t;
typedef void *cublasHandle_t;

static struct {
	CUresult (*cuInit)(unsigned int);
	CUresult (*cuDeviceGet)(CUdevice *, int);
	CUresult (*cuDeviceGetAttribute)(int *, int, CUdevice);
	CUresult (*cuCtxCreate)(CUcontext *, unsigned int, CUdevice);
	CUresult (*cuCtxDestroy)(CUcontext);
	CUresult (*cuCtxSetCurrent)(CUcontext);
	CUresult (*cuCtxSynchronize)(void);
	CUresult (*cuMemAlloc)(CUdeviceptr *, size_t);
	CUresult (*cuMemFree)(CUdeviceptr);
	CUresult (*cuMemcpyHtoD)(CUdeviceptr, const void *, size_t);
	CUresult (*cuMemcpyDtoH)(void *, CUdeviceptr, size_t);
	CUresult (*cuModuleLoadData)(CUmodule *, const void *);
	CUresult (*cuModuleUnload)(CUmodule);
	CUresult (*cuModuleGetFunction)(CUfunction *, CUmodule, const char *);
	CUresult (*cuLaunchKernel)(CUfunction, unsigned int, unsigned int, unsigned int,
		unsigned int, unsigned int, unsigned int, unsigned int, void *, void **, void **);
	nvrtcResult (*nvrtcCreateProgram)(nvrtcProgram *, const char *, const char *, int,
		const char *const *, const char *const *);
	nvrtcResult (*nvrtcCompileProgram)(nvrtcProgram, int, const char *const *);
	nvrtcResult (*nvrtcGetPTXSize)(nvrtcProgram, size_t *);
	nvrtcResult (*nvrtcGetPTX)(nvrtcProgram, char *);
	nvrtcResult (*nvrtcGetProgramLogSize)(nvrtcProgram, size_t *);
	nvrtcResult (*nvrtcGetProgramLog)(nvrtcProgram, char *);
	nvrtcResult (*nvrtcDestroyProgram)(nvrtcProgram *);
	cublasStatus_t (*cublasCreate)(cublasHandle_t *);
	cublasStatus_t (*cublasDestroy)(cublasHandle_t);
	cublasStatus_t (*cublasSgemmStridedBatched)(cublasHandle_t, int, int, int, int, int,
		const float *, const float *, int, long long, const float *, int, long long,
		const float *, float *, int, long long, int);
} ug_cu;

static void *ug_open(const char *a, const char *b) {
	void *h = dlopen(a, RTLD_NOW | RTLD_GLOBAL);
	if (!h && b) h = dlopen(b, RTLD_NOW | RTLD_GLOBAL);
	return h;
}

#define UG_SYM(lib, field, name) \
	do { \
		*(void **)(&ug_cu.field) = dlsym(lib, name); \
		if (!ug_cu.field) return name; \
	} while (0)

static const char *ug_cu_load(void) {
	void *cuda = ug_open("libcuda.so.1", "libcuda.so");
	if (!cuda) return "libcuda.so.1";
	void *nvrtc = ug_open("libnvrtc.so", "libnvrtc.so.12");
	if (!nvrtc) return "libnvrtc.so";
	void *cublas = ug_open("libcublas.so", "libcublas.so.12");
	if (!cublas) return "libcublas.so";
	UG_SYM(cuda, cuInit, "cuInit");
	UG_SYM(cuda, cuDeviceGet, "cuDeviceGet");
	UG_SYM(cuda, cuDeviceGetAttribute, "cuDeviceGetAttribute");
	UG_SYM(cuda, cuCtxCreate, "cuCtxCreate_v2");
	UG_SYM(cuda, cuCtxDestroy, "cuCtxDestroy_v2");
	UG_SYM(cuda, cuCtxSetCurrent, "cuCtxSetCurrent");
	UG_SYM(cuda, cuCtxSynchronize, "cuCtxSynchronize");
	UG_SYM(cuda, cuMemAlloc, "cuMemAlloc_v2");
	UG_SYM(cuda, cuMemFree, "cuMemFree_v2");
	UG_SYM(cuda, cuMemcpyHtoD, "cuMemcpyHtoD_v2");
	UG_SYM(cuda, cuMemcpyDtoH, "cuMemcpyDtoH_v2");
	UG_SYM(cuda, cuModuleLoadData, "cuModuleLoadData");
	UG_SYM(cuda, cuModuleUnload, "cuModuleUnload");
	UG_SYM(cuda, cuModuleGetFunction, "cuModuleGetFunction");
	UG_SYM(cuda, cuLaunchKernel, "cuLaunchKernel");
	UG_SYM(nvrtc, nvrtcCreateProgram, "nvrtcCreateProgram");
	UG_SYM(nvrtc, nvrtcCompileProgram, "nvrtcCompileProgram");
	UG_SYM(nvrtc, nvrtcGetPTXSize, "nvrtcGetPTXSize");
	UG_SYM(nvrtc, nvrtcGetPTX, "nvrtcGetPTX");
	UG_SYM(nvrtc, nvrtcGetProgramLogSize, "nvrtcGetProgramLogSize");
	UG_SYM(nvrtc, nvrtcGetProgramLog, "nvrtcGetProgramLog");
	UG_SYM(nvrtc, nvrtcDestroyProgram, "nvrtcDestroyProgram");
	UG_SYM(cublas, cublasCreate, "cublasCreate_v2");
	UG_SYM(cublas, cublasDestroy, "cublasDestroy_v2");
	UG_SYM(cublas, cublasSgemmStridedBatched, "cublasSgemmStridedBatched");
	if (ug_cu.cuInit(0) != 0) return "cuInit";
	return NULL;
}

static int ug_open_device(int ordinal, CUcontext *ctx, cublasHandle_t *blas, int *major, int *minor) {
	CUdevice dev;
	int rc = ug_cu.cuDeviceGet(&dev, ordinal);
	if (rc) return rc;
	// CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR / MINOR
	if ((rc = ug_cu.cuDeviceGetAttribute(major, 75, dev))) return rc;
	if ((rc = ug_cu.cuDeviceGetAttribute(minor, 76, dev))) return rc;
	if ((rc = ug_cu.cuCtxCreate(ctx, 0, dev))) return rc;
	if (ug_cu.cublasCreate(blas) != 0) {
		ug_cu.cuCtxDestroy(*ctx);
		return -1;
	}
	return 0;
}

static void ug_close_device(CUcontext ctx, cublasHandle_t blas) {
	ug_cu.cuCtxSetCurrent(ctx);
	ug_cu.cublasDestroy(blas);
	ug_cu.cuCtxDestroy(ctx);
}

static int ug_alloc(CUcontext ctx, CUdeviceptr *p, size_t n) {
	ug_cu.cuCtxSetCurrent(ctx);
	return ug_cu.cuMemAlloc(p, n);
}

static void ug_free(CUcontext ctx, CUdeviceptr p) {
	ug_cu.cuCtxSetCurrent(ctx);
	ug_cu.cuMemFree(p);
}

static int ug_htod(CUcontext ctx, CUdeviceptr dst, const void *src, size_t n) {
	ug_cu.cuCtxSetCurrent(ctx);
	return ug_cu.cuMemcpyHtoD(dst, src, n);
}

static int ug_dtoh(CUcontext ctx, void *dst, CUdeviceptr src, size_t n) {
	int rc;
	ug_cu.cuCtxSetCurrent(ctx);
	if ((rc = ug_cu.cuCtxSynchronize())) return rc;
	return ug_cu.cuMemcpyDtoH(dst, src, n);
}

static int ug_sync(CUcontext ctx) {
	ug_cu.cuCtxSetCurrent(ctx);
	return ug_cu.cuCtxSynchronize();
}

// ug_nvrtc compiles src to PTX. On failure *log holds the compiler output.
static int ug_nvrtc(const char *src, const char *name, const char *arch, char **ptx, char **log) {
	nvrtcProgram prog;
	int rc = ug_cu.nvrtcCreateProgram(&prog, src, name, 0, NULL, NULL);
	if (rc) return rc;
	const char *opts[] = {arch, "--use_fast_math=false", "-default-device"};
	rc = ug_cu.nvrtcCompileProgram(prog, 3, opts);
	if (rc) {
		size_t n = 0;
		ug_cu.nvrtcGetProgramLogSize(prog, &n);
		*log = malloc(n + 1);
		ug_cu.nvrtcGetProgramLog(prog, *log);
		(*log)[n] = 0;
		ug_cu.nvrtcDestroyProgram(&prog);
		return rc;
	}
	size_t n = 0;
	ug_cu.nvrtcGetPTXSize(prog, &n);
	*ptx = malloc(n + 1);
	ug_cu.nvrtcGetPTX(prog, *ptx);
	(*ptx)[n] = 0;
	ug_cu.nvrtcDestroyProgram(&prog);
	return 0;
}

static int ug_load_module(CUcontext ctx, const char *ptx, const char *name, CUmodule *mod, CUfunction *fn) {
	int rc;
	ug_cu.cuCtxSetCurrent(ctx);
	if ((rc = ug_cu.cuModuleLoadData(mod, ptx))) return rc;
	if ((rc = ug_cu.cuModuleGetFunction(fn, *mod, name))) {
		ug_cu.cuModuleUnload(*mod);
		return rc;
	}
	return 0;
}

static void ug_unload_module(CUcontext ctx, CUmodule mod) {
	ug_cu.cuCtxSetCurrent(ctx);
	ug_cu.cuModuleUnload(mod);
}

static int ug_launch(CUcontext ctx, CUfunction fn, unsigned int grid, unsigned int block, CUdeviceptr *args, int n) {
	void **params = malloc(sizeof(void *) * (n > 0 ? n : 1));
	for (int i = 0; i < n; i++) params[i] = &args[i];
	ug_cu.cuCtxSetCurrent(ctx);
	int rc = ug_cu.cuLaunchKernel(fn, grid, 1, 1, block, 1, 1, 0, NULL, params, NULL);
	free(params);
	return rc;
}

static int ug_sgemm(CUcontext ctx, cublasHandle_t h, int transa, int transb, int m, int n, int k,
		CUdeviceptr a, int lda, long long sa, CUdeviceptr b, int ldb, long long sb,
		CUdeviceptr c, int ldc, long long sc, int batch) {
	float alpha = 1.0f, beta = 0.0f;
	ug_cu.cuCtxSetCurrent(ctx);
	return ug_cu.cublasSgemmStridedBatched(h, transa, transb, m, n, k, &alpha,
		(const float *)a, lda, sa, (const float *)b, ldb, sb, &beta, (float *)c, ldc, sc, batch);
}
*/
import "C"

import (
	"fmt"
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

var (
	loadOnce sync.Once
	loadErr  error
)

func load() error {
	loadOnce.Do(func() {
		if missing := C.ug_cu_load(); missing != nil {
			loadErr = tensor.DeviceErrorf("cuda: cannot load %s", C.GoString(missing))
		}
	})
	return loadErr
}

func check(what string, rc C.int) error {
	if rc != 0 {
		return tensor.DeviceErrorf("cuda: %s failed with code %d", what, int(rc))
	}
	return nil
}

// Device is one GPU with its own context and cuBLAS handle.
type Device struct {
	opts  Options
	ctx   C.CUcontext
	blas  C.cublasHandle_t
	arch  string
	cache *cache.Cache[device.Func]
	// fault is one int32 set by kernels that divide an integer by zero.
	fault C.CUdeviceptr

	mu      sync.Mutex
	modules []C.CUmodule
	closed  bool

	faultMu sync.Mutex
}

var _ device.Device = (*Device)(nil)

// NewWithOptions opens the GPU opts.Ordinal.
func NewWithOptions(opts Options) (*Device, error) {
	if err := load(); err != nil {
		return nil, err
	}
	var ctx C.CUcontext
	var blas C.cublasHandle_t
	var major, minor C.int
	if err := check("opening device", C.ug_open_device(C.int(opts.Ordinal), &ctx, &blas, &major, &minor)); err != nil {
		return nil, err
	}
	var fault C.CUdeviceptr
	if err := check("cuMemAlloc", C.ug_alloc(ctx, &fault, 4)); err != nil {
		C.ug_close_device(ctx, blas)
		return nil, err
	}
	d := &Device{
		opts:  opts,
		ctx:   ctx,
		blas:  blas,
		arch:  fmt.Sprintf("--gpu-architecture=compute_%d%d", int(major), int(minor)),
		cache: cache.New[device.Func](),
		fault: fault,
	}
	slog.Debug("cuda device opened", "ordinal", opts.Ordinal, "compute", fmt.Sprintf("%d.%d", int(major), int(minor)))
	return d, nil
}

func (d *Device) Name() string { return fmt.Sprintf("cuda:%d", d.opts.Ordinal) }

func (d *Device) UseGrid() bool { return true }

func (d *Device) KernelCache() *cache.Cache[device.Func] { return d.cache }

func (d *Device) Synchronize() error {
	return check("synchronize", C.ug_sync(d.ctx))
}

// Allocate returns device memory, released when the Slice is garbage
// collected.
func (d *Device) Allocate(dtype tensor.DType, n int) (device.Slice, error) {
	if n < 0 {
		return nil, tensor.ShapeErrorf("cuda: negative allocation of %d elements", n)
	}
	s := &Slice{dev: d, dtype: dtype, n: n}
	if n == 0 {
		return s, nil
	}
	var p C.CUdeviceptr
	if err := check("cuMemAlloc", C.ug_alloc(d.ctx, &p, C.size_t(n*dtype.Size()))); err != nil {
		return nil, err
	}
	s.ptr = p
	ctx := d.ctx
	runtime.AddCleanup(s, func(p C.CUdeviceptr) { C.ug_free(ctx, p) }, p)
	return s, nil
}

// Func is a loaded CUDA kernel with its launch dimensions.
type Func struct {
	name        string
	fn          C.CUfunction
	grid, block int
	nargs       int
	divides     bool
}

func (f *Func) Name() string { return f.name }

// Compile generates CUDA C for k, compiles it with NVRTC and loads it.
func (d *Device) Compile(k *ssa.Kernel, name string) (device.Func, error) {
	start := time.Now()
	src, err := GenerateCUDA(k, name)
	if err != nil {
		return nil, err
	}
	name = codegen.Identifier(name)
	logutil.Trace("generated cuda kernel", "name", name, "source", src)
	if d.opts.KernelDump != "" {
		if err := device.DumpSource(d.opts.KernelDump, k, name, ".cu", src); err != nil {
			return nil, err
		}
	}

	csrc := C.CString(src)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	carch := C.CString(d.arch)
	defer C.free(unsafe.Pointer(carch))

	var ptx, log *C.char
	if rc := C.ug_nvrtc(csrc, cname, carch, &ptx, &log); rc != 0 {
		msg := ""
		if log != nil {
			msg = C.GoString(log)
			C.free(unsafe.Pointer(log))
		}
		return nil, tensor.CompileErrorf("cuda: nvrtc %s: code %d: %s", name, int(rc), msg)
	}
	defer C.free(unsafe.Pointer(ptx))

	var mod C.CUmodule
	var fn C.CUfunction
	if err := check("loading module "+name, C.ug_load_module(d.ctx, ptx, cname, &mod, &fn)); err != nil {
		return nil, tensor.CompileErrorf("%v", err)
	}
	d.mu.Lock()
	d.modules = append(d.modules, mod)
	d.mu.Unlock()
	slog.Debug("cuda kernel compiled", "name", name, "duration", time.Since(start))
	return &Func{
		name:    name,
		fn:      fn,
		grid:    k.GridDim,
		block:   k.BlockDim,
		nargs:   len(k.Args()),
		divides: codegen.DividesIntegers(k),
	}, nil
}

// Run enqueues f on the default stream.
func (d *Device) Run(f device.Func, args []device.Slice) error {
	cf, ok := f.(*Func)
	if !ok {
		return tensor.DeviceErrorf("cuda: %T is not a cuda kernel", f)
	}
	if err := device.CheckOwned(d, args...); err != nil {
		return err
	}
	if len(args) != cf.nargs {
		return tensor.DeviceErrorf("cuda: kernel %s takes %d arguments, got %d", cf.name, cf.nargs, len(args))
	}
	ptrs := make([]C.CUdeviceptr, len(args), len(args)+1)
	for i, a := range args {
		ptrs[i] = a.(*Slice).ptr
	}
	if !cf.divides {
		// The padding keeps &ptrs[0] valid for kernels without arguments.
		ptrs = append(ptrs, 0)
		rc := C.ug_launch(d.ctx, cf.fn, C.uint(cf.grid), C.uint(cf.block), &ptrs[0], C.int(len(args)))
		runtime.KeepAlive(args)
		return check("launching "+cf.name, rc)
	}

	// The flag is read back right away, so these launches are synchronous.
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	var flag C.int
	if err := check("cuMemcpyHtoD", C.ug_htod(d.ctx, d.fault, unsafe.Pointer(&flag), 4)); err != nil {
		return err
	}
	ptrs = append(ptrs, d.fault)
	rc := C.ug_launch(d.ctx, cf.fn, C.uint(cf.grid), C.uint(cf.block), &ptrs[0], C.int(len(ptrs)))
	runtime.KeepAlive(args)
	if err := check("launching "+cf.name, rc); err != nil {
		return err
	}
	if err := check("cuMemcpyDtoH", C.ug_dtoh(d.ctx, unsafe.Pointer(&flag), d.fault, 4)); err != nil {
		return err
	}
	if flag != 0 {
		return tensor.DeviceErrorf("cuda: kernel %s: integer division by zero", cf.name)
	}
	return nil
}

// MatMul uses cuBLAS for f32 operands with BLAS-compatible layouts and a
// generated kernel for everything else.
func (d *Device) MatMul(dst, lhs, rhs device.Slice, bmnk device.BMNK, lhsL, rhsL *tensor.Layout) error {
	if err := device.CheckOwned(d, dst, lhs, rhs); err != nil {
		return err
	}
	if err := device.CheckMatMul(dst, lhs, rhs, bmnk, lhsL, rhsL); err != nil {
		return err
	}
	lg, lok := device.GemmLayout(lhsL)
	rg, rok := device.GemmLayout(rhsL)
	if dst.DType() != tensor.F32 || !lok || !rok {
		return device.MatMulKernel(d, dst, lhs, rhs, lhsL, rhsL, d.opts.BlockDim)
	}

	// Row-major C = A B is column-major C^T = B^T A^T.
	const opN, opT = 0, 1
	op := func(t bool) C.int {
		if t {
			return opT
		}
		return opN
	}
	elem := C.CUdeviceptr(4)
	a := lhs.(*Slice).ptr + C.CUdeviceptr(lg.Offset)*elem
	b := rhs.(*Slice).ptr + C.CUdeviceptr(rg.Offset)*elem
	c := dst.(*Slice).ptr
	rc := C.ug_sgemm(d.ctx, d.blas, op(rg.Trans), op(lg.Trans),
		C.int(bmnk.N), C.int(bmnk.M), C.int(bmnk.K),
		b, C.int(rg.LD), C.longlong(rg.Batch),
		a, C.int(lg.LD), C.longlong(lg.Batch),
		c, C.int(bmnk.N), C.longlong(bmnk.M*bmnk.N), C.int(bmnk.B))
	runtime.KeepAlive(lhs)
	runtime.KeepAlive(rhs)
	runtime.KeepAlive(dst)
	return check("cublasSgemmStridedBatched", rc)
}

// Close unloads every module and destroys the context. Slices must not be
// used afterwards.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, m := range d.modules {
		C.ug_unload_module(d.ctx, m)
	}
	d.modules = nil
	C.ug_free(d.ctx, d.fault)
	C.ug_close_device(d.ctx, d.blas)
	return nil
}

// Slice is device memory on one GPU.
type Slice struct {
	dev   *Device
	dtype tensor.DType
	n     int
	ptr   C.CUdeviceptr
}

var _ device.Slice = (*Slice)(nil)

func (s *Slice) Device() device.Device { return s.dev }
func (s *Slice) DType() tensor.DType   { return s.dtype }
func (s *Slice) Len() int              { return s.n }

func (s *Slice) CopyHostToDevice(src []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy host to device", s, src, dtype); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	rc := C.ug_htod(s.dev.ctx, s.ptr, unsafe.Pointer(&src[0]), C.size_t(len(src)))
	runtime.KeepAlive(s)
	return check("cuMemcpyHtoD", rc)
}

func (s *Slice) CopyDeviceToHost(dst []byte, dtype tensor.DType) error {
	if err := device.CheckHost("copy device to host", s, dst, dtype); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	rc := C.ug_dtoh(s.dev.ctx, unsafe.Pointer(&dst[0]), s.ptr, C.size_t(len(dst)))
	runtime.KeepAlive(s)
	return check("cuMemcpyDtoH", rc)
}
