package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/ug/internal/safetensors"
	"github.com/born-ml/ug/internal/tensor"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ug version "+version), out)
}

func TestSamplesList(t *testing.T) {
	out, err := execute(t, "samples")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "softmax")
	assert.Contains(t, out, "matmul-i32")
}

func TestRunAdd(t *testing.T) {
	out, err := execute(t, "run", "add")
	require.NoError(t, err)
	assert.Contains(t, out, "[3 3 3 3 3 3 3 3 ...]")
	assert.Contains(t, out, "ok")
	assert.Contains(t, out, "cpu: 1 kernels compiled, 0 cache hits")
}

func TestRunMatMulKernelAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.safetensors")
	out, err := execute(t, "run", "matmul-i32", "--matmul", "kernel", "--save", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[58 64 139 154]")
	assert.Contains(t, out, "saved 1 tensors")

	tensors, meta, err := safetensors.Read(path)
	require.NoError(t, err)
	assert.Equal(t, "matmul-i32", meta["sample"])
	require.Len(t, tensors, 1)
	vals, err := safetensors.Values[int32](tensors[0])
	require.NoError(t, err)
	assert.Equal(t, []int32{58, 64, 139, 154}, vals)
	assert.Equal(t, tensor.Shape{2, 2}, tensors[0].Shape)

	out, err = execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "sample: matmul-i32")
	assert.Contains(t, out, "product")
	assert.Contains(t, out, "I32")
	assert.Contains(t, out, "1 tensors, 16 bytes")
}

func TestRunErrors(t *testing.T) {
	_, err := execute(t, "run", "nope")
	assert.ErrorContains(t, err, "unknown sample")

	_, err = execute(t, "run", "add", "--device", "tpu")
	assert.ErrorContains(t, err, "unknown device")

	_, err = execute(t, "run", "add", "--matmul", "fast")
	assert.ErrorContains(t, err, "unknown matmul mode")
}

func TestSchedule(t *testing.T) {
	dot := filepath.Join(t.TempDir(), "g.dot")
	out, err := execute(t, "schedule", "softmax", "--dot", dot)
	require.NoError(t, err)
	assert.Contains(t, out, "STEP")
	assert.Contains(t, out, "kernel")

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "digraph schedule {"))
}

func TestCodegenTargets(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"c", "void ug_add("},
		{"cuda", `extern "C" __global__ void ug_add(`},
		{"metal", "kernel void ug_add("},
		{"wgsl", "fn ug_add("},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			out, err := execute(t, "codegen", "add", "--target", tt.target)
			require.NoError(t, err)
			assert.Contains(t, out, "// kernel 1: add")
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestCodegenListings(t *testing.T) {
	out, err := execute(t, "codegen", "sum", "--ssa")
	require.NoError(t, err)
	assert.Contains(t, out, "define_acc")

	out, err = execute(t, "codegen", "sum", "--ops")
	require.NoError(t, err)
	assert.Contains(t, out, "reduce sum")

	_, err = execute(t, "codegen", "add", "--target", "asm")
	assert.ErrorContains(t, err, "unknown target")
}

func TestEnv(t *testing.T) {
	t.Setenv("UG_MATMUL", "kernel")
	out, err := execute(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "UG_MATMUL")
	assert.Contains(t, out, "kernel")
}
