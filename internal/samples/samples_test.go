package samples

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/backend/cpu"
	"github.com/born-ml/ug/internal/lazy"
)

func tolerance(name string) float64 {
	if name == "half" {
		return 1e-2
	}
	return 1e-5
}

func TestSamplesOnCPU(t *testing.T) {
	for _, mode := range []lazy.MatMulMode{lazy.MatMulLibrary, lazy.MatMulKernel} {
		for _, s := range All() {
			t.Run(mode.String()+"/"+s.Name, func(t *testing.T) {
				dev, err := cpu.New()
				require.NoError(t, err)
				defer dev.Close()

				outs, err := s.Build(dev)
				require.NoError(t, err)
				require.NotEmpty(t, outs)

				roots := make([]*lazy.Buffer, len(outs))
				for i, o := range outs {
					roots[i] = o.Buffer
				}
				require.NoError(t, lazy.RealizeWith(context.Background(), lazy.Options{MatMul: mode}, roots...))

				for _, o := range outs {
					got, err := Values(o.Buffer)
					require.NoError(t, err)
					assert.NoError(t, o.Check(got, tolerance(s.Name)))
				}
			})
		}
	}
}

func TestRegistry(t *testing.T) {
	names := Names()
	require.NotEmpty(t, names)
	assert.Equal(t, "add", names[0])
	assert.Len(t, All(), len(names))

	s, err := Get("softmax")
	require.NoError(t, err)
	assert.Equal(t, "softmax", s.Name)

	_, err = Get("nope")
	assert.ErrorContains(t, err, "unknown sample")
}

func TestCheck(t *testing.T) {
	o := Output{Name: "x", Want: []float64{1, 100}}
	assert.NoError(t, o.Check([]float64{1, 100.0001}, 1e-5))
	assert.Error(t, o.Check([]float64{1, 101}, 1e-5))
	assert.Error(t, o.Check([]float64{1}, 1e-5))
}
