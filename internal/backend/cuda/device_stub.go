//go:build !(linux && cgo)

package cuda

import (
	"github.com/born-ml/ug/internal/cache"
	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

var errUnavailable = tensor.DeviceErrorf("cuda: not available in this build (needs linux and cgo)")

// Device is unavailable in this build.
type Device struct{}

var _ device.Device = (*Device)(nil)

// NewWithOptions always fails in this build.
func NewWithOptions(Options) (*Device, error) { return nil, errUnavailable }

func (*Device) Name() string { return "cuda" }

func (*Device) Allocate(tensor.DType, int) (device.Slice, error) { return nil, errUnavailable }

func (*Device) Synchronize() error { return errUnavailable }

func (*Device) Compile(*ssa.Kernel, string) (device.Func, error) { return nil, errUnavailable }

func (*Device) Run(device.Func, []device.Slice) error { return errUnavailable }

func (*Device) MatMul(_, _, _ device.Slice, _ device.BMNK, _, _ *tensor.Layout) error {
	return errUnavailable
}

func (*Device) UseGrid() bool { return true }

func (*Device) KernelCache() *cache.Cache[device.Func] { return nil }

func (*Device) Close() error { return nil }
