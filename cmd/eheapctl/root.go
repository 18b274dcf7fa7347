package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

type globalOptions struct {
	verbose bool
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	options := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "eheapctl",
		Short: "Replay allocation traces against a fixed arena",
		Long: `eheapctl drives the eheap arena allocators from recorded allocation traces.
It builds an arena with the chosen strategy, replays every record, and reports
free space, the low-water mark, and fragmentation when the trace ends.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&options.verbose, "verbose", "v", false, "Log run boundaries and allocation failures")
	rootCmd.PersistentFlags().BoolVar(&options.jsonOut, "json", false, "Output in JSON format")

	rootCmd.AddCommand(newReplayCmd(options))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newLogger writes records to w, at debug level when verbose
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
