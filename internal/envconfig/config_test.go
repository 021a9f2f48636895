package envconfig

import (
	"log/slog"
	"runtime"
	"testing"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"f":     slog.LevelInfo,
		"0":     slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"t":     slog.LevelDebug,
		"2":     slog.Level(-8),
		"-1":    slog.LevelWarn,
		"junk":  slog.LevelInfo,
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("UG_DEBUG", k)
			if i := LogLevel(); i != v {
				t.Errorf("%s: expected %d, got %d", k, v, i)
			}
		})
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":       false,
		"true":   true,
		"false":  false,
		"1":      true,
		"0":      false,
		"random": true,
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("UG_BOOL", k)
			if b := Bool("UG_BOOL")(); b != v {
				t.Errorf("%s: expected %t, got %t", k, v, b)
			}
		})
	}
}

func TestBoolWithDefault(t *testing.T) {
	t.Setenv("UG_BOOL", "")
	if !BoolWithDefault("UG_BOOL")(true) {
		t.Error("unset variable should return the default")
	}
	t.Setenv("UG_BOOL", "false")
	if BoolWithDefault("UG_BOOL")(true) {
		t.Error("explicit false should win over the default")
	}
}

func TestVar(t *testing.T) {
	cases := map[string]string{
		"value":       "value",
		" value ":     "value",
		" 'value' ":   "value",
		` "value" `:   "value",
		" ' value ' ": " value ",
		` " value " `: " value ",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("UG_VAR", k)
			if s := Var("UG_VAR"); s != v {
				t.Errorf("%s: expected %q, got %q", k, v, s)
			}
		})
	}
}

func TestUint(t *testing.T) {
	cases := map[string]uint{
		"":     256,
		"0":    0,
		"1024": 1024,
		"-1":   256,
		"abc":  256,
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("UG_BLOCK_DIM", k)
			if n := BlockDim(); n != v {
				t.Errorf("%s: expected %d, got %d", k, v, n)
			}
		})
	}
}

func TestNumThreads(t *testing.T) {
	t.Setenv("UG_NUM_THREADS", "")
	if n := NumThreads(); n != runtime.GOMAXPROCS(0) {
		t.Errorf("default: expected %d, got %d", runtime.GOMAXPROCS(0), n)
	}
	t.Setenv("UG_NUM_THREADS", "3")
	if n := NumThreads(); n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("UG_CC", "")
	t.Setenv("UG_MATMUL", "")
	if cc := CC(); cc != "cc" {
		t.Errorf("CC: expected cc, got %q", cc)
	}
	if m := MatMul(); m != "library" {
		t.Errorf("MatMul: expected library, got %q", m)
	}
	t.Setenv("UG_MATMUL", "kernel")
	if m := MatMul(); m != "kernel" {
		t.Errorf("MatMul: expected kernel, got %q", m)
	}
}

func TestAsMap(t *testing.T) {
	t.Setenv("UG_CC", "clang")
	m := AsMap()
	first := m.Oldest()
	if first == nil || first.Key != "UG_DEBUG" {
		t.Fatalf("expected UG_DEBUG first, got %v", first)
	}
	if m.Len() != 8 {
		t.Errorf("expected 8 variables, got %d", m.Len())
	}
	if v := Values()["UG_CC"]; v != "clang" {
		t.Errorf("UG_CC: expected clang, got %q", v)
	}
}
