// Package webgpu implements a WebGPU device on top of go-webgpu.
//
// Kernels are generated as WGSL and dispatched as compute pipelines. Only
// f32 and i32 data is supported. Device memory comes from a size-classed
// buffer pool; buffers return to the pool when their Slice is collected.
// The runtime needs the wgpu-native library and is built on Windows only;
// elsewhere New fails and only the code generator is usable.
package webgpu

import (
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lower"
)

// Options configure a WebGPU device.
type Options struct {
	// BlockDim is the workgroup size of generated shaders.
	BlockDim int
	// KernelDump, when set, receives a copy of every generated shader.
	KernelDump string
}

// DefaultOptions reads the options from the environment.
func DefaultOptions() Options {
	bd := int(envconfig.BlockDim())
	if bd <= 0 {
		bd = lower.DefaultBlockDim
	}
	return Options{BlockDim: bd, KernelDump: envconfig.KernelDump()}
}

// New opens the default high-performance adapter.
func New() (*Device, error) {
	return NewWithOptions(DefaultOptions())
}

// alignedSize rounds n bytes up to the 4-byte granularity of buffer copies.
// Empty slices still get a 4-byte buffer since bindings cannot be empty.
func alignedSize(n int) uint64 {
	return uint64(max(n, 4)+3) &^ 3
}
