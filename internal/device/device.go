// Package device defines the capability interfaces every backend
// implements, and typed helpers for moving host data across them.
package device

import (
	"fmt"

	"github.com/born-ml/ug/internal/cache"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/tensor"
)

// BMNK are the batch, rows, columns and inner dimension of a batched
// matrix multiplication dst[b] (m x n) = lhs[b] (m x k) * rhs[b] (k x n).
type BMNK struct {
	B, M, N, K int
}

func (d BMNK) String() string {
	return fmt.Sprintf("b=%d m=%d n=%d k=%d", d.B, d.M, d.N, d.K)
}

// Func is a compiled kernel owned by the device that compiled it.
type Func interface {
	Name() string
}

// Device is a backend execution context.
type Device interface {
	// Name identifies the device for logs, e.g. "cpu" or "cuda:0".
	Name() string
	// Allocate returns uninitialized memory for n elements of dtype.
	Allocate(dtype tensor.DType, n int) (Slice, error)
	// Synchronize blocks until all queued work has completed.
	Synchronize() error
	// Compile translates k into a runnable Func named name.
	Compile(k *ssa.Kernel, name string) (Func, error)
	// Run launches f with args bound in kernel argument order. It may
	// return before the work completes.
	Run(f Func, args []Slice) error
	// MatMul computes a batched matrix product, possibly through a vendor
	// library. lhsL and rhsL describe the operands with shapes (..., m, k)
	// and (..., k, n); their batch dimensions multiply to bmnk.B.
	MatMul(dst, lhs, rhs Slice, bmnk BMNK, lhsL, rhsL *tensor.Layout) error
	// UseGrid reports whether kernels must be lowered for grid launches.
	UseGrid() bool
	// KernelCache returns the cache of compiled kernels for this device.
	KernelCache() *cache.Cache[Func]
	// Close releases the device and everything it allocated.
	Close() error
}

// Slice is device memory of a fixed dtype and length.
type Slice interface {
	Device() Device
	DType() tensor.DType
	Len() int
	// CopyHostToDevice copies little-endian host data of the given dtype.
	CopyHostToDevice(src []byte, dtype tensor.DType) error
	// CopyDeviceToHost copies the slice into dst, synchronizing first.
	CopyDeviceToHost(dst []byte, dtype tensor.DType) error
}

// CheckHost validates a host transfer against s.
func CheckHost(op string, s Slice, data []byte, dtype tensor.DType) error {
	if len(data)%dtype.Size() != 0 {
		return &tensor.TransferError{Op: op, Kind: tensor.ErrSizeMismatch,
			Want: fmt.Sprintf("a multiple of %d bytes", dtype.Size()), Got: fmt.Sprint(len(data))}
	}
	return tensor.CheckTransfer(op, s.DType(), s.Len(), dtype, len(data)/dtype.Size())
}

// CopyHostToDevice copies a typed host slice into s.
func CopyHostToDevice[T tensor.WithDType](s Slice, src []T) error {
	return s.CopyHostToDevice(tensor.AsBytes(src), tensor.DTypeOf[T]())
}

// CopyDeviceToHost copies s into a typed host slice.
func CopyDeviceToHost[T tensor.WithDType](s Slice, dst []T) error {
	return s.CopyDeviceToHost(tensor.AsBytes(dst), tensor.DTypeOf[T]())
}

// ToVec copies s into a new host slice.
func ToVec[T tensor.WithDType](s Slice) ([]T, error) {
	dst := make([]T, s.Len())
	if err := CopyDeviceToHost(s, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// FromHost allocates a slice on d and fills it with src.
func FromHost[T tensor.WithDType](d Device, src []T) (Slice, error) {
	s, err := d.Allocate(tensor.DTypeOf[T](), len(src))
	if err != nil {
		return nil, err
	}
	if err := CopyHostToDevice(s, src); err != nil {
		return nil, err
	}
	return s, nil
}

// CompileCached compiles k on d through the device's kernel cache.
func CompileCached(d Device, k *ssa.Kernel, name string) (Func, error) {
	return d.KernelCache().GetOrCompile(k, func(k *ssa.Kernel) (Func, error) {
		return d.Compile(k, name)
	})
}

// CheckOwned verifies that every slice was allocated by d.
func CheckOwned(d Device, slices ...Slice) error {
	for i, s := range slices {
		if s.Device() != d {
			return tensor.DeviceErrorf("argument %d belongs to %s, not %s", i, s.Device().Name(), d.Name())
		}
	}
	return nil
}
