package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/eigenmath/eheap/memutils"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
)

const scenarioTrace = `{"op":"perm","id":"symtab","size":200}
{"op":"run"}
{"op":"tmp","size":300}
{"op":"tmp","size":300}
{"op":"tmp","size":300}
{"op":"run"}
{"op":"tmp","size":300}
{"op":"check"}
`

func writeTrace(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.trace")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestReplayText(t *testing.T) {
	path := writeTrace(t, scenarioTrace)

	stdout, _, err := runCmd(t, "replay", path, "--strategy", "dualarena", "--size", "1000")
	require.NoError(t, err)
	require.Contains(t, stdout, "Replayed 8 records: 2 runs, 1 aborted, 1 failed allocations, 0 resets\n")
	require.Contains(t, stdout, "Strategy: StrategyDualArena\n")
	require.Contains(t, stdout, "Free bytes in heap: 500 of 1,000\n")
	require.Contains(t, stdout, "Minimum free bytes in heap: 200\n")
}

func TestReplayJSON(t *testing.T) {
	path := writeTrace(t, scenarioTrace)

	stdout, _, err := runCmd(t, "replay", path, "--strategy", "DualArena", "--size", "1000", "--json")
	require.NoError(t, err)

	var report struct {
		Result struct {
			Runs        int
			AbortedRuns int
		}
		Status struct {
			Strategy  string
			FreeBytes int
			Arena     struct {
				GapBytes int
			}
		}
	}
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(stdout, &report))
	require.Equal(t, 2, report.Result.Runs)
	require.Equal(t, 1, report.Result.AbortedRuns)
	require.Equal(t, "StrategyDualArena", report.Status.Strategy)
	require.Equal(t, 500, report.Status.FreeBytes)
	require.Equal(t, 500, report.Status.Arena.GapBytes)
}

func TestReplayVerboseLogsAbortedRun(t *testing.T) {
	path := writeTrace(t, scenarioTrace)

	_, stderr, err := runCmd(t, "replay", path, "--strategy", "dualarena", "--size", "1000", "--verbose")
	require.NoError(t, err)
	require.Contains(t, stderr, "Evaluation aborted")
	require.Contains(t, stderr, "Session::Run")
}

func TestReplayTrackReportsLeaks(t *testing.T) {
	path := writeTrace(t, `{"op":"alloc","id":"a","size":16}
{"op":"alloc","id":"b","size":16}
{"op":"free","id":"a"}
`)

	_, stderr, err := runCmd(t, "replay", path, "--size", "1024", "--track")
	require.NoError(t, err)
	require.Contains(t, stderr, "[UNRELEASED MEMORY]")
}

func TestReplayCorruptionFails(t *testing.T) {
	path := writeTrace(t, `{"op":"alloc","size":16}
{"op":"free","offset":8}
{"op":"free","offset":8}
`)

	stdout, _, err := runCmd(t, "replay", path, "--size", "1024")
	require.ErrorIs(t, err, memutils.CorruptionFault)
	require.Contains(t, stdout, "Halted:")
}

func TestReplayFailures(t *testing.T) {
	_, _, err := runCmd(t, "replay", writeTrace(t, scenarioTrace), "--strategy", "buddy")
	require.ErrorContains(t, err, `unknown strategy "buddy"`)

	_, _, err = runCmd(t, "replay", filepath.Join(t.TempDir(), "missing.trace"))
	require.ErrorContains(t, err, "failed to open trace")

	_, _, err = runCmd(t, "replay", writeTrace(t, `{"op":"bogus"}`))
	require.ErrorContains(t, err, "failed to decode")

	_, _, err = runCmd(t, "replay", writeTrace(t, scenarioTrace), "--size", "8")
	require.ErrorIs(t, err, memutils.InitError)

	_, _, err = runCmd(t, "replay")
	require.Error(t, err)
}

func TestVersion(t *testing.T) {
	stdout, _, err := runCmd(t, "version")
	require.NoError(t, err)
	require.Contains(t, stdout, "eheapctl dev\n")
}
