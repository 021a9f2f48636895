// Package envconfig reads the UG_* environment variables that tune the
// compiler and its devices. Every accessor reads the environment on each
// call so tests can override values with t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Var returns an environment variable stripped of surrounding whitespace
// and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level selected by UG_DEBUG. A boolean true means
// debug; an integer n means level -4n, so UG_DEBUG=2 enables tracing.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("UG_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func StringWithDefault(s, defaultValue string) func() string {
	return func() string {
		if v := Var(s); v != "" {
			return v
		}
		return defaultValue
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

var (
	// CPUNative compiles CPU kernels to shared objects with the system C
	// compiler instead of interpreting them.
	CPUNative = Bool("UG_CPU_NATIVE")
	// CC is the C compiler used for native CPU kernels.
	CC = StringWithDefault("UG_CC", "cc")
	// KernelDump is a directory where generated kernel sources are written.
	KernelDump = String("UG_KERNEL_DUMP")
	// CUDADevice is the ordinal of the CUDA device to open.
	CUDADevice = Uint("UG_CUDA_DEVICE", 0)
	// BlockDim is the number of threads per block on grid devices.
	BlockDim = Uint("UG_BLOCK_DIM", 256)
	// MatMul selects "library" (vendor BLAS) or "kernel" (generated code)
	// for matrix multiplication.
	MatMul = StringWithDefault("UG_MATMUL", "library")
)

// NumThreads returns the worker count for CPU kernels (UG_NUM_THREADS,
// default GOMAXPROCS).
func NumThreads() int {
	return int(Uint("UG_NUM_THREADS", uint(runtime.GOMAXPROCS(0)))())
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every variable in a stable order.
func AsMap() *orderedmap.OrderedMap[string, EnvVar] {
	m := orderedmap.New[string, EnvVar]()
	for _, v := range []EnvVar{
		{"UG_DEBUG", LogLevel(), "Show additional debug information (e.g. UG_DEBUG=1, UG_DEBUG=2 for tracing)"},
		{"UG_CPU_NATIVE", CPUNative(), "Compile CPU kernels with the system C compiler"},
		{"UG_CC", CC(), "C compiler for native CPU kernels (default cc)"},
		{"UG_NUM_THREADS", NumThreads(), "Worker threads for CPU kernels (default GOMAXPROCS)"},
		{"UG_KERNEL_DUMP", KernelDump(), "Directory to write generated kernel sources to"},
		{"UG_CUDA_DEVICE", CUDADevice(), "CUDA device ordinal"},
		{"UG_BLOCK_DIM", BlockDim(), "Threads per block on GPU devices (default 256)"},
		{"UG_MATMUL", MatMul(), "Matrix multiplication path: library or kernel (default library)"},
	} {
		m.Set(v.Name, v)
	}
	return m
}

// Values returns the current value of every variable as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for pair := AsMap().Oldest(); pair != nil; pair = pair.Next() {
		vals[pair.Key] = fmt.Sprintf("%v", pair.Value.Value)
	}
	return vals
}
