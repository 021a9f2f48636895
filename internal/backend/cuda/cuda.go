// Package cuda implements the NVIDIA GPU device.
//
// Kernels are generated as CUDA C, compiled at run time with NVRTC and
// launched through the driver API. The driver, NVRTC and cuBLAS are loaded
// with dlopen, so the binary has no link-time CUDA dependency; builds
// without cgo, and platforms other than Linux, get a device that cannot be
// created.
package cuda

import (
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lower"
)

// Options configure a CUDA device.
type Options struct {
	// Ordinal selects the GPU.
	Ordinal int
	// BlockDim is the launch width of the generated matmul fallback.
	BlockDim int
	// KernelDump, when set, receives a copy of every generated source.
	KernelDump string
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	bd := int(envconfig.BlockDim())
	if bd <= 0 {
		bd = lower.DefaultBlockDim
	}
	return Options{
		Ordinal:    int(envconfig.CUDADevice()),
		BlockDim:   bd,
		KernelDump: envconfig.KernelDump(),
	}
}

// New opens the GPU selected by UG_CUDA_DEVICE.
func New() (*Device, error) {
	return NewWithOptions(DefaultOptions())
}
