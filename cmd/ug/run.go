package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/ug/internal/lazy"
	"github.com/born-ml/ug/internal/safetensors"
	"github.com/born-ml/ug/internal/samples"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run SAMPLE",
		Short: "Realize a sample graph and print its outputs",
		Long:  "Realize a sample graph on a device, print the first elements of each output and compare them with a host computation.",
		Args:  cobra.ExactArgs(1),
		RunE:  runHandler,
	}
	addDeviceFlags(cmd)
	cmd.Flags().String("save", "", "Write the outputs to a safetensors file")
	cmd.Flags().Int("show", 8, "Number of elements to print per output")
	cmd.Flags().Float64("tol", 1e-2, "Relative tolerance of the result check")
	return cmd
}

func newTable(cmd *cobra.Command, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func runHandler(cmd *cobra.Command, args []string) error {
	opts, err := scheduleOptions(cmd)
	if err != nil {
		return err
	}
	show, _ := cmd.Flags().GetInt("show")
	tol, _ := cmd.Flags().GetFloat64("tol")
	save, _ := cmd.Flags().GetString("save")

	dev, outs, err := buildSample(cmd, args[0])
	if err != nil {
		return err
	}
	defer dev.Close()

	start := time.Now()
	if err := lazy.RealizeWith(cmd.Context(), opts, roots(outs)...); err != nil {
		return err
	}
	elapsed := time.Since(start)

	table := newTable(cmd, "OUTPUT", "DTYPE", "SHAPE", "VALUES", "CHECK")
	var failed []string
	for _, o := range outs {
		vals, err := samples.Values(o.Buffer)
		if err != nil {
			return err
		}
		check := "ok"
		if err := o.Check(vals, tol); err != nil {
			check = err.Error()
			failed = append(failed, o.Name)
		}
		table.Append([]string{o.Name, o.Buffer.DType().String(), o.Buffer.Shape().String(), preview(vals, show), check})
	}
	table.Render()

	stats := dev.KernelCache().Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %d kernels compiled, %d cache hits in %s\n",
		dev.Name(), stats.Compiles, stats.Hits, elapsed.Round(time.Microsecond))

	if save != "" {
		if err := saveOutputs(save, args[0], dev.Name(), outs); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %d tensors to %s\n", len(outs), save)
	}
	if len(failed) > 0 {
		return fmt.Errorf("outputs differ from the host computation: %s", strings.Join(failed, ", "))
	}
	return nil
}

func preview(vals []float64, n int) string {
	parts := make([]string, 0, min(n, len(vals))+1)
	for i, v := range vals {
		if i == n {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%.4g", v))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func saveOutputs(path, sample, devName string, outs []samples.Output) error {
	tensors := make([]safetensors.Tensor, len(outs))
	for i, o := range outs {
		s := o.Buffer.Slice()
		if s == nil {
			return fmt.Errorf("output %s is not realized", o.Name)
		}
		data := make([]byte, s.Len()*s.DType().Size())
		if err := s.CopyDeviceToHost(data, s.DType()); err != nil {
			return err
		}
		tensors[i] = safetensors.Tensor{Name: o.Name, DType: s.DType(), Shape: o.Buffer.Shape(), Data: data}
	}
	return safetensors.Write(path, tensors, map[string]string{"sample": sample, "device": devName})
}
