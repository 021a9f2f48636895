package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/safetensors"
	"github.com/born-ml/ug/internal/samples"
)

func newSamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "samples",
		Aliases: []string{"ls"},
		Short:   "List the sample graphs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := newTable(cmd, "NAME", "DESCRIPTION")
			for _, s := range samples.All() {
				table.Append([]string{s.Name, s.Description})
			}
			table.Render()
			return nil
		},
	}
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the tensors of a safetensors file",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	f, err := safetensors.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	w := cmd.OutOrStdout()
	if meta := f.Metadata(); len(meta) > 0 {
		for _, k := range slices.Sorted(maps.Keys(meta)) {
			fmt.Fprintf(w, "%s: %s\n", k, meta[k])
		}
		fmt.Fprintln(w)
	}

	table := newTable(cmd, "NAME", "DTYPE", "SHAPE", "BYTES")
	total := 0
	for _, t := range f.Tensors() {
		table.Append([]string{t.Name, safetensors.DTypeName(t.DType), t.Shape.String(), fmt.Sprint(len(t.Data))})
		total += len(t.Data)
	}
	table.Render()
	fmt.Fprintf(w, "\n%d tensors, %d bytes\n", len(f.Tensors()), total)
	return nil
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the environment configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := newTable(cmd, "VARIABLE", "VALUE", "DESCRIPTION")
			for pair := envconfig.AsMap().Oldest(); pair != nil; pair = pair.Next() {
				table.Append([]string{pair.Key, fmt.Sprint(pair.Value.Value), pair.Value.Description})
			}
			table.Render()
			return nil
		},
	}
}
