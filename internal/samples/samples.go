// Package samples holds small named computation graphs used by the ug
// command and by end-to-end tests. Every sample also knows its expected
// result so a run can be checked against a host computation.
package samples

import (
	"fmt"
	"math"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"

	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/lang/op"
	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/internal/tensor"
)

// Output is one named root of a sample graph.
type Output struct {
	Name   string
	Buffer *lazy.Buffer
	// Want is the expected result widened to float64.
	Want []float64
}

// Sample builds a graph on a device.
type Sample struct {
	Name        string
	Description string
	build       func(dev device.Device) ([]Output, error)
}

// Build constructs the sample graph on dev. Nothing runs until the outputs
// are realized.
func (s Sample) Build(dev device.Device) ([]Output, error) {
	outs, err := s.build(dev)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", s.Name, err)
	}
	return outs, nil
}

var registry = orderedmap.New[string, Sample]()

func register(name, description string, build func(device.Device) ([]Output, error)) {
	registry.Set(name, Sample{Name: name, Description: description, build: build})
}

func init() {
	register("add", "elementwise sum of two 1024-element vectors", buildAdd)
	register("sum", "full reduction of a 4x4 matrix of ones", buildSum)
	register("softmax", "row softmax of a 4x8 matrix", buildSoftmax)
	register("matmul", "2x3 by 3x2 float matrix product", buildMatMul)
	register("matmul-i32", "2x3 by 3x2 integer matrix product", buildMatMulI32)
	register("transpose", "transposed matrix added to itself", buildTranspose)
	register("multi-output", "two outputs sharing an exp intermediate", buildMultiOutput)
	register("half", "f16 scale and sum through an f32 cast", buildHalf)
}

// All returns the samples in registration order.
func All() []Sample {
	out := make([]Sample, 0, registry.Len())
	for pair := registry.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Names returns the sample names in registration order.
func Names() []string {
	names := make([]string, 0, registry.Len())
	for pair := registry.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Get looks a sample up by name.
func Get(name string) (Sample, error) {
	s, ok := registry.Get(name)
	if !ok {
		return Sample{}, fmt.Errorf("unknown sample %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return s, nil
}

func fill(n int, f func(i int) float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

func widen[T tensor.WithDType](xs []T) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = tensor.ToFloat64(x)
	}
	return out
}

func buildAdd(dev device.Device) ([]Output, error) {
	const n = 1024
	a, err := lazy.FromHost(dev, fill(n, func(int) float32 { return 1 }), tensor.Shape{n})
	if err != nil {
		return nil, err
	}
	b, err := lazy.FromHost(dev, fill(n, func(int) float32 { return 2 }), tensor.Shape{n})
	if err != nil {
		return nil, err
	}
	c, err := a.Add(b)
	if err != nil {
		return nil, err
	}
	want := make([]float64, n)
	for i := range want {
		want[i] = 3
	}
	return []Output{{Name: "sum", Buffer: c, Want: want}}, nil
}

func buildSum(dev device.Device) ([]Output, error) {
	x, err := lazy.FromHost(dev, fill(16, func(int) float32 { return 1 }), tensor.Shape{4, 4})
	if err != nil {
		return nil, err
	}
	rows, err := x.Sum(tensor.Minus1)
	if err != nil {
		return nil, err
	}
	total, err := rows.Sum(0)
	if err != nil {
		return nil, err
	}
	return []Output{{Name: "total", Buffer: total, Want: []float64{16}}}, nil
}

func buildSoftmax(dev device.Device) ([]Output, error) {
	const rows, cols = 4, 8
	data := fill(rows*cols, func(i int) float32 { return float32(i%cols)*0.5 - float32(i/cols) })
	x, err := lazy.FromHost(dev, data, tensor.Shape{rows, cols})
	if err != nil {
		return nil, err
	}
	m, err := x.Max(tensor.Minus1)
	if err != nil {
		return nil, err
	}
	shifted, err := x.BroadcastBinary(op.Sub, m)
	if err != nil {
		return nil, err
	}
	e, err := shifted.Exp()
	if err != nil {
		return nil, err
	}
	s, err := e.Sum(tensor.Minus1)
	if err != nil {
		return nil, err
	}
	out, err := e.BroadcastBinary(op.Div, s)
	if err != nil {
		return nil, err
	}

	want := make([]float64, rows*cols)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		hi := math.Inf(-1)
		for _, v := range row {
			hi = math.Max(hi, float64(v))
		}
		total := 0.0
		for c, v := range row {
			want[r*cols+c] = math.Exp(float64(v) - hi)
			total += want[r*cols+c]
		}
		for c := range row {
			want[r*cols+c] /= total
		}
	}
	return []Output{{Name: "softmax", Buffer: out, Want: want}}, nil
}

func matmul[T tensor.WithDType](dev device.Device, lhs, rhs []T) (*lazy.Buffer, error) {
	a, err := lazy.FromHost(dev, lhs, tensor.Shape{2, 3})
	if err != nil {
		return nil, err
	}
	b, err := lazy.FromHost(dev, rhs, tensor.Shape{3, 2})
	if err != nil {
		return nil, err
	}
	return a.MatMul(b)
}

// [[1 2 3] [4 5 6]] x [[7 8] [9 10] [11 12]]
var matmulWant = []float64{58, 64, 139, 154}

func buildMatMul(dev device.Device) ([]Output, error) {
	c, err := matmul(dev, []float32{1, 2, 3, 4, 5, 6}, []float32{7, 8, 9, 10, 11, 12})
	if err != nil {
		return nil, err
	}
	return []Output{{Name: "product", Buffer: c, Want: matmulWant}}, nil
}

func buildMatMulI32(dev device.Device) ([]Output, error) {
	c, err := matmul(dev, []int32{1, 2, 3, 4, 5, 6}, []int32{7, 8, 9, 10, 11, 12})
	if err != nil {
		return nil, err
	}
	return []Output{{Name: "product", Buffer: c, Want: matmulWant}}, nil
}

func buildTranspose(dev device.Device) ([]Output, error) {
	data := fill(9, func(i int) float32 { return float32(i) })
	x, err := lazy.FromHost(dev, data, tensor.Shape{3, 3})
	if err != nil {
		return nil, err
	}
	xt, err := x.Transpose(0, 1)
	if err != nil {
		return nil, err
	}
	out, err := x.Add(xt)
	if err != nil {
		return nil, err
	}
	want := make([]float64, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want[i*3+j] = float64(data[i*3+j] + data[j*3+i])
		}
	}
	return []Output{{Name: "symmetric", Buffer: out, Want: want}}, nil
}

func buildMultiOutput(dev device.Device) ([]Output, error) {
	data := fill(8, func(i int) float32 { return float32(i) / 8 })
	x, err := lazy.FromHost(dev, data, tensor.Shape{8})
	if err != nil {
		return nil, err
	}
	e, err := x.Exp()
	if err != nil {
		return nil, err
	}
	p, err := e.Add(x)
	if err != nil {
		return nil, err
	}
	q, err := e.Mul(x)
	if err != nil {
		return nil, err
	}
	wantP, wantQ := make([]float64, 8), make([]float64, 8)
	for i, v := range data {
		ev := float64(float32(math.Exp(float64(v))))
		wantP[i] = ev + float64(v)
		wantQ[i] = ev * float64(v)
	}
	return []Output{
		{Name: "exp_plus_x", Buffer: p, Want: wantP},
		{Name: "exp_times_x", Buffer: q, Want: wantQ},
	}, nil
}

func buildHalf(dev device.Device) ([]Output, error) {
	vals := make([]float32, 8)
	for i := range vals {
		vals[i] = float32(i) * 0.25
	}
	h16 := make([]float16.Float16, len(vals))
	for i, v := range vals {
		h16[i] = float16.Fromfloat32(v)
	}
	x, err := lazy.FromHost(dev, h16, tensor.Shape{2, 4})
	if err != nil {
		return nil, err
	}
	two, err := lazy.Const(dev, tensor.ConstFloat(tensor.F16, 2), tensor.Shape{2, 4})
	if err != nil {
		return nil, err
	}
	scaled, err := x.Mul(two)
	if err != nil {
		return nil, err
	}
	wide, err := scaled.Cast(tensor.F32)
	if err != nil {
		return nil, err
	}
	s, err := wide.Sum(tensor.Minus1)
	if err != nil {
		return nil, err
	}
	want := []float64{0, 0}
	for i, v := range widen(h16) {
		want[i/4] += 2 * v
	}
	return []Output{{Name: "row_sums", Buffer: s, Want: want}}, nil
}

// Values realizes b and widens its elements to float64.
func Values(b *lazy.Buffer) ([]float64, error) {
	switch b.DType() {
	case tensor.F16:
		return values[float16.Float16](b)
	case tensor.BF16:
		return values[tensor.BFloat16](b)
	case tensor.F32:
		return values[float32](b)
	case tensor.I32:
		return values[int32](b)
	case tensor.I64:
		return values[int64](b)
	}
	return nil, tensor.DTypeErrorf("samples: unsupported dtype %s", b.DType())
}

func values[T tensor.WithDType](b *lazy.Buffer) ([]float64, error) {
	xs, err := lazy.ToVec[T](b)
	if err != nil {
		return nil, err
	}
	return widen(xs), nil
}

// Check compares got against the expected result of o with a relative
// tolerance.
func (o Output) Check(got []float64, tol float64) error {
	if len(got) != len(o.Want) {
		return fmt.Errorf("%s: %d elements, want %d", o.Name, len(got), len(o.Want))
	}
	for i, w := range o.Want {
		if math.Abs(got[i]-w) > tol*math.Max(1, math.Abs(w)) {
			return fmt.Errorf("%s[%d] = %v, want %v", o.Name, i, got[i], w)
		}
	}
	return nil
}
