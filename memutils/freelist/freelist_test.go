//go:build !debug_mem_utils

package freelist_test

import (
	"math"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/memutils"
	"github.com/eigenmath/eheap/memutils/freelist"
	"github.com/stretchr/testify/require"
)

func TestInit(t *testing.T) {
	heap := newHeap(t, 1024)

	require.Equal(t, 8, heap.HeaderSize())
	require.Equal(t, uint(4), heap.Alignment())
	require.Equal(t, 1016, heap.Size())
	require.Equal(t, 1016, heap.FreeBytes())
	require.Equal(t, 1016, heap.MinFreeBytes())
	require.Equal(t, 0, heap.AllocationCount())
	require.Equal(t, 0, heap.FragmentationPercent())
	require.NoError(t, heap.Validate())

	require.Equal(t, []region{{Offset: 0, Size: 1016, Free: true}}, regions(t, heap))
}

func TestInitFailures(t *testing.T) {
	heap := freelist.New(freelist.Options{})

	err := heap.Init(nil)
	require.ErrorIs(t, err, memutils.InitError)

	// Smaller than twice the header overhead
	err = heap.Init(make([]byte, 16))
	require.ErrorIs(t, err, memutils.InitError)

	err = heap.Init(make([]byte, 24))
	require.ErrorIs(t, err, memutils.InitError)

	_, err = heap.Allocate(10)
	require.ErrorIs(t, err, memutils.InitError)

	bad := freelist.New(freelist.Options{Alignment: 12})
	err = bad.Init(make([]byte, 1024))
	require.True(t, errors.Is(err, memutils.InitError))
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	err = freelist.New(freelist.Options{}).Reset()
	require.ErrorIs(t, err, memutils.InitError)
}

func TestInitAlignsArenaStart(t *testing.T) {
	buffer := make([]byte, 1100)

	for _, alignment := range []uint{4, 8, 16, 64} {
		heap := freelist.New(freelist.Options{Alignment: alignment})
		require.NoError(t, heap.Init(buffer[3:]))

		arena := heap.Arena()
		address := uintptr(unsafe.Pointer(&arena[0]))
		require.Zero(t, address%uintptr(alignment))
		require.Zero(t, len(arena)%int(alignment))
		require.Zero(t, heap.HeaderSize()%int(alignment))

		for i := 0; i < 5; i++ {
			offset, err := heap.Allocate(13 + i)
			require.NoError(t, err)
			require.Zero(t, uintptr(unsafe.Pointer(&arena[offset]))%uintptr(alignment))
		}

		require.NoError(t, heap.Validate())
	}
}

func TestAllocateZeroAndNegative(t *testing.T) {
	heap := newHeap(t, 256)

	offset, err := heap.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, freelist.NoAllocation, offset)

	offset, err = heap.Allocate(-5)
	require.Error(t, err)
	require.Equal(t, freelist.NoAllocation, offset)
	require.NoError(t, heap.Fault())

	require.Equal(t, heap.Size(), heap.FreeBytes())
}

func TestAllocateSplitsBlock(t *testing.T) {
	heap := newHeap(t, 1024)

	offset, err := heap.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 8, offset)
	require.Equal(t, 1016-108, heap.FreeBytes())
	require.Equal(t, 1, heap.AllocationCount())

	require.Equal(t, []region{
		{Offset: 0, Size: 108, Free: false},
		{Offset: 108, Size: 908, Free: true},
	}, regions(t, heap))

	payload, err := heap.Payload(offset)
	require.NoError(t, err)
	require.Len(t, payload, 100)
	require.NoError(t, heap.Validate())
}

func TestAllocateTakesWholeBlockBelowSplitThreshold(t *testing.T) {
	heap := newHeap(t, 1024)

	first, err := heap.Allocate(100)
	require.NoError(t, err)
	second, err := heap.Allocate(100)
	require.NoError(t, err)

	require.NoError(t, heap.Free(first))

	// 108-byte hole, 100 payload + 8 header leaves nothing; 96 leaves 4, below 2*header
	third, err := heap.Allocate(96)
	require.NoError(t, err)
	require.Equal(t, first, third)

	payload, err := heap.Payload(third)
	require.NoError(t, err)
	require.Len(t, payload, 100)

	require.Equal(t, 1016-216, heap.FreeBytes())
	require.NoError(t, heap.Free(second))
	require.NoError(t, heap.Validate())
}

// Space freed by the first block is reused and split before the untouched tail of the heap
func TestAllocateReusesFreedSpace(t *testing.T) {
	heap := newHeap(t, 1024)

	first, err := heap.Allocate(100)
	require.NoError(t, err)
	_, err = heap.Allocate(100)
	require.NoError(t, err)

	highWater := 216
	require.NoError(t, heap.Free(first))

	third, err := heap.Allocate(50)
	require.NoError(t, err)
	require.Equal(t, first, third)
	require.Less(t, third, highWater)

	require.Equal(t, []region{
		{Offset: 0, Size: 60, Free: false},
		{Offset: 60, Size: 48, Free: true},
		{Offset: 108, Size: 108, Free: false},
		{Offset: 216, Size: 800, Free: true},
	}, regions(t, heap))
	require.Equal(t, 848, heap.FreeBytes())
	require.NoError(t, heap.Validate())
}

// Running out of room fails softly and leaves the heap usable
func TestAllocateUntilExhausted(t *testing.T) {
	heap := newHeap(t, 1024)

	var offsets []int
	for {
		offset, err := heap.Allocate(40)
		if err != nil {
			require.ErrorIs(t, err, memutils.OutOfMemoryError)
			require.False(t, errors.Is(err, memutils.CorruptionFault))
			require.Equal(t, freelist.NoAllocation, offset)
			break
		}
		offsets = append(offsets, offset)
	}

	require.Len(t, offsets, 1016/48)
	require.NoError(t, heap.Fault())
	require.NoError(t, heap.Validate())

	for _, offset := range offsets {
		require.NoError(t, heap.Free(offset))
	}

	require.Equal(t, heap.Size(), heap.FreeBytes())
	require.Equal(t, []region{{Offset: 0, Size: 1016, Free: true}}, regions(t, heap))
	require.NoError(t, heap.Validate())
}

func TestAllocateHugeRequestIsOutOfMemory(t *testing.T) {
	heap := newHeap(t, 1024)

	_, err := heap.Allocate(math.MaxInt)
	require.ErrorIs(t, err, memutils.OutOfMemoryError)

	_, err = heap.Allocate(freelist.MaxArenaSize)
	require.ErrorIs(t, err, memutils.OutOfMemoryError)

	require.NoError(t, heap.Fault())
	require.NoError(t, heap.Validate())
}

func TestAllocateThenFreeRestoresLayout(t *testing.T) {
	heap := newHeap(t, 2048)

	a, err := heap.Allocate(64)
	require.NoError(t, err)
	b, err := heap.Allocate(200)
	require.NoError(t, err)
	_, err = heap.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(b))

	before := regions(t, heap)
	freeBefore := heap.FreeBytes()

	offset, err := heap.Allocate(120)
	require.NoError(t, err)
	require.NoError(t, heap.Free(offset))

	require.Equal(t, before, regions(t, heap))
	require.Equal(t, freeBefore, heap.FreeBytes())
	require.NoError(t, heap.Validate())
}

func TestFreeCoalescesBothDirections(t *testing.T) {
	heap := newHeap(t, 1024)

	a, err := heap.Allocate(40)
	require.NoError(t, err)
	b, err := heap.Allocate(40)
	require.NoError(t, err)
	c, err := heap.Allocate(40)
	require.NoError(t, err)
	d, err := heap.Allocate(40)
	require.NoError(t, err)

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(c))
	require.Equal(t, []region{
		{Offset: 0, Size: 48, Free: true},
		{Offset: 48, Size: 48, Free: false},
		{Offset: 96, Size: 48, Free: true},
		{Offset: 144, Size: 48, Free: false},
		{Offset: 192, Size: 824, Free: true},
	}, regions(t, heap))

	// b merges backward into a and forward into c
	require.NoError(t, heap.Free(b))
	require.Equal(t, []region{
		{Offset: 0, Size: 144, Free: true},
		{Offset: 144, Size: 48, Free: false},
		{Offset: 192, Size: 824, Free: true},
	}, regions(t, heap))
	require.NoError(t, heap.Validate())

	require.NoError(t, heap.Free(d))
	require.Equal(t, []region{{Offset: 0, Size: 1016, Free: true}}, regions(t, heap))
	require.Equal(t, 0, heap.AllocationCount())
	require.NoError(t, heap.Validate())
}

func TestFreeNoAllocationIsNoop(t *testing.T) {
	heap := newHeap(t, 256)
	require.NoError(t, heap.Free(freelist.NoAllocation))
	require.NoError(t, heap.Validate())
}

func TestMinFreeBytesIsWatermark(t *testing.T) {
	heap := newHeap(t, 1024)

	a, err := heap.Allocate(300)
	require.NoError(t, err)
	b, err := heap.Allocate(300)
	require.NoError(t, err)
	low := heap.FreeBytes()
	require.Equal(t, low, heap.MinFreeBytes())

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(b))
	require.Equal(t, heap.Size(), heap.FreeBytes())
	require.Equal(t, low, heap.MinFreeBytes())

	_, err = heap.Allocate(10)
	require.NoError(t, err)
	require.Equal(t, low, heap.MinFreeBytes())

	require.NoError(t, heap.Reset())
	require.Equal(t, heap.Size(), heap.MinFreeBytes())
	require.Equal(t, 0, heap.AllocationCount())
}

func TestFragmentationPercent(t *testing.T) {
	heap := newHeap(t, 1024)
	require.Equal(t, 0, heap.FragmentationPercent())

	var small []int
	for i := 0; i < 4; i++ {
		offset, err := heap.Allocate(24)
		require.NoError(t, err)
		small = append(small, offset)
	}

	_, err := heap.Allocate(500)
	require.NoError(t, err)
	_, err = heap.Allocate(24)
	require.NoError(t, err)

	// Single contiguous free block
	require.Equal(t, 0, heap.FragmentationPercent())

	require.NoError(t, heap.Free(small[0]))
	require.NoError(t, heap.Free(small[2]))

	largest, err := heap.LargestFreeBlock()
	require.NoError(t, err)
	require.Equal(t, 348, largest)
	require.Equal(t, 412, heap.FreeBytes())
	require.Equal(t, 100-(348*100)/412, heap.FragmentationPercent())

	var stats memutils.DetailedStatistics
	stats.Clear()
	heap.AddDetailedStatistics(&stats)
	require.Equal(t, 3, stats.FreeRangeCount)
	require.Equal(t, heap.FreeBytes(), stats.FreeRangeBytes)
	require.Equal(t, largest, stats.FreeRangeSizeMax)
	require.Equal(t, memutils.FragmentationPercent(stats.FreeRangeSizeMax, stats.FreeRangeBytes), heap.FragmentationPercent())
}

func TestFragmentationFullHeap(t *testing.T) {
	heap := newHeap(t, 64)

	offset, err := heap.Allocate(heap.Size() - heap.HeaderSize())
	require.NoError(t, err)
	require.Equal(t, 0, heap.FreeBytes())
	require.Equal(t, 0, heap.FragmentationPercent())

	require.NoError(t, heap.Free(offset))
	require.Equal(t, 0, heap.FragmentationPercent())
}

func TestStatistics(t *testing.T) {
	heap := newHeap(t, 1024)

	a, err := heap.Allocate(100)
	require.NoError(t, err)
	_, err = heap.Allocate(50)
	require.NoError(t, err)
	require.NoError(t, heap.Free(a))

	var stats memutils.Statistics
	heap.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		ArenaCount:      1,
		AllocationCount: 1,
		ArenaBytes:      1016,
		AllocationBytes: 60,
	}, stats)
	require.Equal(t, heap.FreeBytes(), stats.FreeBytes())

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	heap.AddDetailedStatistics(&detailed)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			ArenaCount:      1,
			AllocationCount: 1,
			ArenaBytes:      1016,
			AllocationBytes: 60,
		},
		FreeRangeCount:    2,
		FreeRangeBytes:    956,
		AllocationSizeMin: 60,
		AllocationSizeMax: 60,
		FreeRangeSizeMin:  108,
		FreeRangeSizeMax:  848,
	}, detailed)
}
