//go:build cgo && (linux || darwin)

package cpu

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>

typedef void (*ug_kernel_fn)(void **);

static void ug_call(void *fn, void **args) {
	((ug_kernel_fn)fn)(args);
}
*/
import "C"

import (
	"bytes"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
	"unsafe"

	"github.com/born-ml/ug/internal/tensor"
)

const nativeSupported = true

// library is a loaded shared object exporting one kernel.
type library struct {
	handle unsafe.Pointer
	fn     unsafe.Pointer
}

// compileNative builds src into dir/name.so and loads symbol name.
func compileNative(cc, dir, name, src string) (*library, error) {
	start := time.Now()
	f, err := os.CreateTemp(dir, name+"-*.c")
	if err != nil {
		return nil, tensor.CompileErrorf("cpu: %v", err)
	}
	if _, err := f.WriteString(src); err != nil {
		f.Close()
		return nil, tensor.CompileErrorf("cpu: %v", err)
	}
	if err := f.Close(); err != nil {
		return nil, tensor.CompileErrorf("cpu: %v", err)
	}
	so := f.Name()[:len(f.Name())-2] + ".so"

	args := []string{"-O3", "-shared", "-fPIC", "-std=c99", "-o", so, f.Name(), "-lm"}
	if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
		args = append([]string{"-march=native"}, args...)
	}
	cmd := exec.Command(cc, args...) //nolint:gosec // compiler comes from UG_CC
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, tensor.CompileErrorf("cpu: %s %s: %v: %s", cc, filepath.Base(f.Name()), err, stderr.String())
	}

	cpath := C.CString(so)
	defer C.free(unsafe.Pointer(cpath))
	handle := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		return nil, tensor.CompileErrorf("cpu: dlopen %s: %s", so, C.GoString(C.dlerror()))
	}
	csym := C.CString(name)
	defer C.free(unsafe.Pointer(csym))
	fn := C.dlsym(handle, csym)
	if fn == nil {
		C.dlclose(handle)
		return nil, tensor.CompileErrorf("cpu: symbol %s not found in %s", name, so)
	}
	slog.Debug("native kernel compiled", "name", name, "duration", time.Since(start))
	return &library{handle: handle, fn: fn}, nil
}

// call runs the kernel with one pointer per argument and a trailing fault
// flag. The Go buffers are pinned for the duration of the call since the C
// argument array holds pointers into them.
func (l *library) call(args [][]byte) error {
	n := len(args) + 1
	mem := C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(uintptr(0))))
	defer C.free(mem)
	arr := unsafe.Slice((*unsafe.Pointer)(mem), n)
	fault := (*C.int32_t)(C.calloc(1, C.size_t(unsafe.Sizeof(C.int32_t(0)))))
	defer C.free(unsafe.Pointer(fault))
	arr[len(args)] = unsafe.Pointer(fault)

	var pinner runtime.Pinner
	defer pinner.Unpin()
	for i, b := range args {
		if len(b) == 0 {
			arr[i] = nil
			continue
		}
		pinner.Pin(&b[0])
		arr[i] = unsafe.Pointer(&b[0])
	}
	C.ug_call(l.fn, (*unsafe.Pointer)(mem))
	if *fault != 0 {
		return tensor.DeviceErrorf("integer division by zero")
	}
	return nil
}

func (l *library) close() {
	if l.handle != nil {
		C.dlclose(l.handle)
		l.handle = nil
	}
}
