package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/born-ml/ug/internal/backend/cpu"
	"github.com/born-ml/ug/internal/display"
	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/internal/lower"
	"github.com/born-ml/ug/internal/samples"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule SAMPLE",
		Short: "Print the kernel schedule of a sample graph",
		Args:  cobra.ExactArgs(1),
		RunE:  scheduleHandler,
	}
	addDeviceFlags(cmd)
	cmd.Flags().String("dot", "", "Write the buffer graph in Graphviz format to a file (- for stdout)")
	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	opts, err := scheduleOptions(cmd)
	if err != nil {
		return err
	}
	dev, outs, err := buildSample(cmd, args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	s, err := lazy.Create(opts, roots(outs)...)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	display.Schedule(w, s)
	fmt.Fprintf(w, "\n%d items, %d kernels, matmul %s\n", len(s.Items()), s.NumKernels(), opts.MatMul)

	dot, _ := cmd.Flags().GetString("dot")
	switch dot {
	case "":
		return nil
	case "-":
		fmt.Fprintln(w)
		return display.DOT(w, s)
	}
	f, err := os.Create(dot)
	if err != nil {
		return err
	}
	if err := display.DOT(f, s); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func targetNames() []string {
	names := make([]string, 0, len(generators))
	for name := range generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newCodegenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codegen SAMPLE",
		Short: "Print the generated kernel source of a sample graph",
		Long:  "Schedule a sample graph and print each kernel as an operation tree, an SSA listing, or source code for a backend. No device is needed.",
		Args:  cobra.ExactArgs(1),
		RunE:  codegenHandler,
	}
	cmd.Flags().StringP("target", "t", "c", "Source language: "+strings.Join(targetNames(), ", "))
	cmd.Flags().String("matmul", "", "Matrix multiplication path: library or kernel (default from UG_MATMUL)")
	cmd.Flags().Bool("ops", false, "Print the fused operation trees instead of source")
	cmd.Flags().Bool("ssa", false, "Print the lowered SSA instead of source")
	return cmd
}

func codegenHandler(cmd *cobra.Command, args []string) error {
	opts, err := scheduleOptions(cmd)
	if err != nil {
		return err
	}
	target, _ := cmd.Flags().GetString("target")
	gen, ok := generators[target]
	if !ok {
		return fmt.Errorf("unknown target %q (have %s)", target, strings.Join(targetNames(), ", "))
	}
	showOps, _ := cmd.Flags().GetBool("ops")
	showSSA, _ := cmd.Flags().GetBool("ssa")

	sample, err := samples.Get(args[0])
	if err != nil {
		return err
	}
	dev, err := cpu.New()
	if err != nil {
		return err
	}
	defer dev.Close()
	outs, err := sample.Build(dev)
	if err != nil {
		return err
	}
	s, err := lazy.Create(opts, roots(outs)...)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(cmd.OutOrStdout())
	n := 0
	for _, it := range s.Items() {
		ki, ok := it.(*lazy.KernelItem)
		if !ok {
			continue
		}
		if n > 0 {
			fmt.Fprintln(w)
		}
		n++
		fmt.Fprintf(w, "// kernel %d: %s\n", n, ki.Kernel.Name)
		if showOps {
			fmt.Fprint(w, display.OpKernel(ki.Kernel))
			continue
		}
		sk, err := lower.Lower(ki.Kernel, lowerOptions(gen.grid))
		if err != nil {
			return err
		}
		if showSSA {
			display.Kernel(w, sk)
			continue
		}
		src, err := gen.generate(sk, ki.Kernel.Name)
		if err != nil {
			return err
		}
		fmt.Fprint(w, src)
	}
	if n == 0 {
		fmt.Fprintln(w, "// no kernels: the schedule only copies and runs library matmuls")
	}
	return w.Flush()
}
