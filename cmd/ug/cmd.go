package main

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/born-ml/ug/internal/envconfig"
	"github.com/born-ml/ug/internal/logutil"
)

const version = "v0.1.0-dev"

// NewCLI builds the root command with every subcommand attached.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ug",
		Short:         "Lazy tensor compiler",
		Long:          "ug fuses lazy tensor graphs into kernels and runs them on CPU, CUDA, Metal or WebGPU devices.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level := envconfig.LogLevel()
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && level > slog.LevelDebug {
				level = slog.LevelDebug
			}
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), level))
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log schedule and compile details")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newRunCmd(),
		newScheduleCmd(),
		newCodegenCmd(),
		newSamplesCmd(),
		newInspectCmd(),
		newEnvCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			goVersion := "unknown"
			if info, ok := debug.ReadBuildInfo(); ok {
				goVersion = info.GoVersion
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ug version %s (%s)\n", version, goVersion)
			return nil
		},
	}
}
