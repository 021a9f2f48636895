// Package metal implements the Apple GPU device.
//
// Kernels are generated as Metal Shading Language, compiled at run time
// into compute pipelines and dispatched on a single command queue. Matrix
// products use Metal Performance Shaders for f32 and f16. Buffers use
// shared storage, so host copies are plain memory copies once the queue
// has drained. Builds other than darwin with cgo get a device that cannot
// be created.
package metal

import (
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lower"
)

// Options configure a Metal device.
type Options struct {
	// BlockDim is the threadgroup width of generated kernels.
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
	return Options{BlockDim: bd, KernelDump: envconfig.KernelDump()}
}

// New opens the system default GPU.
func New() (*Device, error) {
	return NewWithOptions(DefaultOptions())
}
