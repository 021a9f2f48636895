//go:build cgo && (linux || darwin)

package cpu

import (
	"context"
	"errors"
	"math"
	"os/exec"
	"strings"
	"testing"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/samples"
	"github.com/born-ml/ug/internal/tensor"
)

func newNativeDevice(t *testing.T) *Device {
	t.Helper()
	cc := envconfig.CC()
	if _, err := exec.LookPath(cc); err != nil {
		t.Skipf("no C compiler %q: %v", cc, err)
	}
	d, err := NewWithOptions(Options{Native: true, CC: cc})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// runBinary lowers k for d, runs it over lhs and rhs and returns the
// output.
func runBinary[T tensor.WithDType](t *testing.T, d *Device, k *op.Kernel, lhs, rhs []T) ([]T, error) {
	t.Helper()
	sk, err := lower.Lower(k, lower.Options{})
	if err != nil {
		t.Fatal(err)
	}
	f, err := device.CompileCached(d, sk, k.Name)
	if err != nil {
		t.Fatal(err)
	}
	a, err := device.FromHost(d, lhs)
	if err != nil {
		t.Fatal(err)
	}
	b, err := device.FromHost(d, rhs)
	if err != nil {
		t.Fatal(err)
	}
	dst, err := d.Allocate(tensor.DTypeOf[T](), len(lhs))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Run(f, []device.Slice{dst, a, b}); err != nil {
		return nil, err
	}
	return device.ToVec[T](dst)
}

func TestNativeIntDivision(t *testing.T) {
	devices := map[string]*Device{"interpreter": newDevice(t), "native": newNativeDevice(t)}
	for name, d := range devices {
		t.Run(name, func(t *testing.T) {
			x := []int32{7, -7, math.MinInt32, 5, 9}
			y := []int32{2, 2, -1, -1, 4}

			quo, err := runBinary(t, d, divKernel(t, op.Div, tensor.I32, 5), x, y)
			if err != nil {
				t.Fatal(err)
			}
			if want := []int32{3, -3, math.MinInt32, -5, 2}; !equal(quo, want) {
				t.Errorf("div = %v, want %v", quo, want)
			}
			rem, err := runBinary(t, d, divKernel(t, op.Rem, tensor.I32, 5), x, y)
			if err != nil {
				t.Fatal(err)
			}
			if want := []int32{1, -1, 0, 0, 1}; !equal(rem, want) {
				t.Errorf("rem = %v, want %v", rem, want)
			}

			wide, err := runBinary(t, d, divKernel(t, op.Div, tensor.I64, 2), []int64{math.MinInt64, 10}, []int64{-1, -3})
			if err != nil {
				t.Fatal(err)
			}
			if want := []int64{math.MinInt64, -3}; !equal(wide, want) {
				t.Errorf("i64 div = %v, want %v", wide, want)
			}

			for _, o := range []op.BinaryOp{op.Div, op.Rem} {
				_, err := runBinary(t, d, divKernel(t, o, tensor.I32, 2), []int32{1, 2}, []int32{1, 0})
				if !errors.Is(err, tensor.ErrDevice) || !strings.Contains(err.Error(), "integer division by zero") {
					t.Errorf("%s by zero error = %v, want a device error", o, err)
				}
			}
		})
	}
}

func TestNativeDivisionByZeroThroughSchedule(t *testing.T) {
	d := newNativeDevice(t)
	x, err := lazy.FromHost(d, []int32{1, 2}, tensor.Shape{2})
	if err != nil {
		t.Fatal(err)
	}
	zeros, err := lazy.FromHost(d, []int32{0, 0}, tensor.Shape{2})
	if err != nil {
		t.Fatal(err)
	}
	q, err := x.Div(zeros)
	if err != nil {
		t.Fatal(err)
	}
	err = lazy.RealizeWith(context.Background(), lazy.Options{}, q)
	if !errors.Is(err, tensor.ErrDevice) {
		t.Fatalf("realize error = %v, want a device error", err)
	}
	if q.IsRealized() {
		t.Error("failed output must stay unrealized")
	}
}

func TestNativeBF16Exp(t *testing.T) {
	in := convert[tensor.BFloat16]([]float64{0, 0.5, 1, 2, -3})
	l := tensor.Contiguous(tensor.Shape{len(in)})
	e, err := op.NewUnary(op.Exp, op.NewLoad(1, l, tensor.BF16))
	if err != nil {
		t.Fatal(err)
	}
	k := &op.Kernel{
		Name:   "exp",
		Args:   []op.Arg{{ID: 0, DType: tensor.BF16}, {ID: 1, DType: tensor.BF16}},
		Stores: []op.Store{{Dst: 0, Layout: l, Value: e}},
	}
	sk, err := lower.Lower(k, lower.Options{})
	if err != nil {
		t.Fatal(err)
	}

	var results [][]tensor.BFloat16
	for _, d := range []*Device{newDevice(t), newNativeDevice(t)} {
		f, err := device.CompileCached(d, sk, k.Name)
		if err != nil {
			t.Fatal(err)
		}
		src, err := device.FromHost(d, in)
		if err != nil {
			t.Fatal(err)
		}
		dst, err := d.Allocate(tensor.BF16, len(in))
		if err != nil {
			t.Fatal(err)
		}
		if err := d.Run(f, []device.Slice{dst, src}); err != nil {
			t.Fatal(err)
		}
		got, err := device.ToVec[tensor.BFloat16](dst)
		if err != nil {
			t.Fatal(err)
		}
		results = append(results, got)
	}
	want := make([]float64, len(in))
	for i, v := range results[0] {
		want[i] = tensor.ToFloat64(v)
	}
	// One bf16 ulp is 2^-7 relative.
	checkClose(t, "native bf16 exp", results[1], want, 1.0/128)
}

// TestNativeMatchesInterpreter realizes every sample on an interpreting
// and a native device and compares the outputs.
func TestNativeMatchesInterpreter(t *testing.T) {
	native := newNativeDevice(t)
	for _, mode := range []lazy.MatMulMode{lazy.MatMulLibrary, lazy.MatMulKernel} {
		for _, s := range samples.All() {
			t.Run(mode.String()+"/"+s.Name, func(t *testing.T) {
				opts := lazy.Options{MatMul: mode}
				want := realizeSample(t, newDevice(t), s, opts)
				got := realizeSample(t, native, s, opts)
				for name, w := range want {
					g := got[name]
					if w.dtype != g.dtype {
						t.Fatalf("%s: dtype %s vs %s", name, g.dtype, w.dtype)
					}
					tol := 1e-5
					switch {
					case w.dtype.IsInt():
						tol = 0
					case w.dtype != tensor.F32:
						tol = 1e-2
					}
					checkClose(t, name, g.values, w.values, tol)
				}
			})
		}
	}
}

type sampleOutput struct {
	dtype  tensor.DType
	values []float64
}

func realizeSample(t *testing.T, d *Device, s samples.Sample, opts lazy.Options) map[string]sampleOutput {
	t.Helper()
	outs, err := s.Build(d)
	if err != nil {
		t.Fatal(err)
	}
	roots := make([]*lazy.Buffer, len(outs))
	for i, o := range outs {
		roots[i] = o.Buffer
	}
	if err := lazy.RealizeWith(context.Background(), opts, roots...); err != nil {
		t.Fatal(err)
	}
	res := make(map[string]sampleOutput, len(outs))
	for _, o := range outs {
		vals, err := samples.Values(o.Buffer)
		if err != nil {
			t.Fatal(err)
		}
		res[o.Name] = sampleOutput{dtype: o.Buffer.DType(), values: vals}
	}
	return res
}

func equal[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
