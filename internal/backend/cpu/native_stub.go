//go:build !cgo || !(linux || darwin)

package cpu

import "github.com/born-ml/ug/internal/tensor"

const nativeSupported = false

type library struct{}

func compileNative(_, _, name, _ string) (*library, error) {
	return nil, tensor.CompileErrorf("cpu: native kernel %s needs a cgo build", name)
}

func (*library) call([][]byte) error {
	return tensor.DeviceErrorf("cpu: native kernels need a cgo build")
}

func (*library) close() {}
