package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/ug/internal/backend/cpu"
	"github.com/born-ml/ug/internal/backend/cuda"
	"github.com/born-ml/ug/internal/backend/metal"
	"github.com/born-ml/ug/internal/backend/webgpu"
	"github.com/born-ml/ug/internal/device"
	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/lang/ssa"
	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/samples"
)

var deviceNames = []string{"cpu", "cuda", "metal", "webgpu"}

func openDevice(name string) (device.Device, error) {
	var (
		dev device.Device
		err error
	)
	switch name {
	case "cpu":
		dev, err = opened(cpu.New())
	case "cuda":
		dev, err = opened(cuda.New())
	case "metal":
		dev, err = opened(metal.New())
	case "webgpu":
		dev, err = opened(webgpu.New())
	default:
		return nil, fmt.Errorf("unknown device %q (have %s)", name, strings.Join(deviceNames, ", "))
	}
	return dev, err
}

// opened keeps a failed constructor's typed nil out of the interface.
func opened[D device.Device](d D, err error) (device.Device, error) {
	if err != nil {
		return nil, err
	}
	return d, nil
}

// generators maps a codegen target to its source generator and whether it
// needs grid lowering.
var generators = map[string]struct {
	grid     bool
	generate func(*ssa.Kernel, string) (string, error)
}{
	"c":     {false, cpu.GenerateC},
	"cuda":  {true, cuda.GenerateCUDA},
	"metal": {true, metal.GenerateMSL},
	"wgsl":  {true, webgpu.GenerateWGSL},
}

func addDeviceFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("device", "d", "cpu", "Device: "+strings.Join(deviceNames, ", "))
	cmd.Flags().String("matmul", "", "Matrix multiplication path: library or kernel (default from UG_MATMUL)")
}

func scheduleOptions(cmd *cobra.Command) (lazy.Options, error) {
	opts := lazy.DefaultOptions()
	mode, _ := cmd.Flags().GetString("matmul")
	switch mode {
	case "":
	case "library":
		opts.MatMul = lazy.MatMulLibrary
	case "kernel":
		opts.MatMul = lazy.MatMulKernel
	default:
		return opts, fmt.Errorf("unknown matmul mode %q (have library, kernel)", mode)
	}
	return opts, nil
}

// buildSample opens the selected device and builds the named sample on it.
// The caller closes the device.
func buildSample(cmd *cobra.Command, name string) (device.Device, []samples.Output, error) {
	s, err := samples.Get(name)
	if err != nil {
		return nil, nil, err
	}
	devName, _ := cmd.Flags().GetString("device")
	dev, err := openDevice(devName)
	if err != nil {
		return nil, nil, err
	}
	outs, err := s.Build(dev)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}
	return dev, outs, nil
}

func roots(outs []samples.Output) []*lazy.Buffer {
	bufs := make([]*lazy.Buffer, len(outs))
	for i, o := range outs {
		bufs[i] = o.Buffer
	}
	return bufs
}

func lowerOptions(grid bool) lower.Options {
	return lower.Options{UseGrid: grid, BlockDim: int(envconfig.BlockDim())}
}
