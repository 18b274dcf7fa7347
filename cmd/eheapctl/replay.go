package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/internal/trace"
	"github.com/eigenmath/eheap/session"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
)

type replayOptions struct {
	size      int
	strategy  string
	alignment uint
	mmap      bool
	track     bool
}

var strategyNames = map[string]session.Strategy{
	"freelist":  session.StrategyFreeList,
	"dualarena": session.StrategyDualArena,
}

func parseStrategy(name string) (session.Strategy, error) {
	strategy, ok := strategyNames[strings.ToLower(name)]
	if !ok {
		return 0, errors.Newf("unknown strategy %q: expected freelist or dualarena", name)
	}
	return strategy, nil
}

func newReplayCmd(global *globalOptions) *cobra.Command {
	options := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <trace>",
		Short: "Replay a trace file and print arena status",
		Long: `The replay command reads a trace of allocation records, one JSON object per
line, and applies them to a freshly built arena. Records following a "run"
record execute as one evaluation; an evaluation that runs out of memory is
aborted and counted, and replay continues with the next one.

Example:
  eheapctl replay session.trace
  eheapctl replay session.trace --strategy dualarena --size 65536
  eheapctl replay session.trace --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, global, options, args[0])
		},
	}

	cmd.Flags().IntVar(&options.size, "size", 350*1024, "Arena size in bytes")
	cmd.Flags().StringVar(&options.strategy, "strategy", "freelist", "Allocation strategy: freelist or dualarena")
	cmd.Flags().UintVar(&options.alignment, "alignment", 0, "Allocation alignment in bytes, a power of two (default 4)")
	cmd.Flags().BoolVar(&options.mmap, "mmap", false, "Map the arena outside of the Go heap")
	cmd.Flags().BoolVar(&options.track, "track", false, "Report allocations still live when the trace ends")

	return cmd
}

func runReplay(cmd *cobra.Command, global *globalOptions, options *replayOptions, path string) (err error) {
	strategy, err := parseStrategy(options.strategy)
	if err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "failed to open trace")
	}
	defer file.Close()

	ops, err := trace.Decode(file)
	if err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}

	var provider session.BufferProvider = session.HeapProvider{}
	if options.mmap {
		provider = session.MmapProvider{}
	}

	logger := newLogger(cmd.ErrOrStderr(), global.verbose)
	s, err := session.New(logger, session.CreateOptions{
		Strategy:         strategy,
		HeapSize:         options.size,
		Alignment:        options.alignment,
		Provider:         provider,
		TrackAllocations: options.track,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeErr := s.Close()
		if err == nil {
			err = closeErr
		}
	}()

	result, replayErr := trace.NewReplayer(logger, s).Replay(ops)

	if global.jsonOut {
		err = printJSON(cmd, result, s)
	} else {
		printText(cmd, result, s)
	}
	if err != nil {
		return err
	}

	return replayErr
}

func printText(cmd *cobra.Command, result trace.Result, s *session.Session) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Replayed %d records: %d runs, %d aborted, %d failed allocations, %d resets\n",
		result.Ops, result.Runs, result.AbortedRuns, result.FailedAllocations, result.Resets)
	fmt.Fprint(out, s.StatusText())
}

func printJSON(cmd *cobra.Command, result trace.Result, s *session.Session) error {
	report := struct {
		Result trace.Result
		Status jsoniter.RawMessage
	}{
		Result: result,
		Status: jsoniter.RawMessage(s.BuildStatsString(true)),
	}

	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
