package session

import (
	"strings"

	"github.com/eigenmath/eheap/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Status is a snapshot of a session's memory use
type Status struct {
	Strategy Strategy
	// TotalBytes is the number of bytes the allocator manages
	TotalBytes int
	// FreeBytes is the number of bytes still available: free blocks for StrategyFreeList and
	// the gap between the segments for StrategyDualArena
	FreeBytes int
	// MinFreeBytes is the lowest FreeBytes has been since the arena was last initialized
	MinFreeBytes int
	// FragmentationPercent is how much of the free space lies outside the largest free range
	FragmentationPercent int
	Allocations          int
	Runs                 int
}

// Status reports the session's current memory use. It reads counters only and does not walk
// the arena, except to find the largest free block for StrategyFreeList.
func (s *Session) Status() Status {
	status := Status{
		Strategy: s.strategy,
		Runs:     s.runs,
	}

	if s.closed {
		return status
	}

	if s.arena != nil {
		status.TotalBytes = s.arena.Size()
		status.FreeBytes = s.arena.Gap()
		status.MinFreeBytes = s.arena.MinGap()
		status.Allocations = s.arena.AllocationCount()
		// The gap is always a single range
		status.FragmentationPercent = 0
		return status
	}

	status.TotalBytes = s.heap.Size()
	status.FreeBytes = s.heap.FreeBytes()
	status.MinFreeBytes = s.heap.MinFreeBytes()
	status.Allocations = s.heap.AllocationCount()
	status.FragmentationPercent = s.heap.FragmentationPercent()
	return status
}

// StatusText renders Status as a human readable report, one figure per line
func (s *Session) StatusText() string {
	status := s.Status()
	printer := message.NewPrinter(language.English)

	var builder strings.Builder
	printer.Fprintf(&builder, "Strategy: %s\n", status.Strategy)
	printer.Fprintf(&builder, "Heap fragmentation: %d%%\n", status.FragmentationPercent)
	printer.Fprintf(&builder, "Free bytes in heap: %d of %d\n", status.FreeBytes, status.TotalBytes)
	printer.Fprintf(&builder, "Minimum free bytes in heap: %d\n", status.MinFreeBytes)
	printer.Fprintf(&builder, "Live allocations: %d\n", status.Allocations)
	if s.fault != nil {
		printer.Fprintf(&builder, "Halted: %v\n", s.fault)
	}

	return builder.String()
}

// CalculateStatistics sums the allocator's statistics into stats, which is cleared first
func (s *Session) CalculateStatistics(stats *memutils.DetailedStatistics) {
	stats.Clear()
	if s.closed {
		return
	}
	s.allocator().AddDetailedStatistics(stats)
}

// BuildStatsString renders the session's status as a JSON document. When detailed is true, the
// allocator's own block description and per-region statistics are included.
func (s *Session) BuildStatsString(detailed bool) string {
	status := s.Status()
	writer := jwriter.NewWriter()

	obj := writer.Object()
	obj.Name("Strategy").String(status.Strategy.String())
	obj.Name("TotalBytes").Int(status.TotalBytes)
	obj.Name("FreeBytes").Int(status.FreeBytes)
	obj.Name("MinFreeBytes").Int(status.MinFreeBytes)
	obj.Name("FragmentationPercent").Int(status.FragmentationPercent)
	obj.Name("Allocations").Int(status.Allocations)
	obj.Name("Runs").Int(status.Runs)

	if s.fault != nil {
		obj.Name("Fault").String(s.fault.Error())
	}

	if detailed && !s.closed {
		block := obj.Name("Arena").Object()
		s.allocator().BlockJsonData(block)
		block.End()

		var stats memutils.DetailedStatistics
		s.CalculateStatistics(&stats)

		statsObj := obj.Name("Statistics").Object()
		statsObj.Name("AllocationCount").Int(stats.AllocationCount)
		statsObj.Name("AllocationBytes").Int(stats.AllocationBytes)
		statsObj.Name("FreeRangeCount").Int(stats.FreeRangeCount)
		statsObj.Name("FreeRangeBytes").Int(stats.FreeRangeBytes)
		if stats.AllocationCount > 0 {
			statsObj.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
			statsObj.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
		}
		if stats.FreeRangeCount > 0 {
			statsObj.Name("FreeRangeSizeMin").Int(stats.FreeRangeSizeMin)
			statsObj.Name("FreeRangeSizeMax").Int(stats.FreeRangeSizeMax)
		}
		statsObj.End()
	}

	obj.End()
	return string(writer.Bytes())
}
