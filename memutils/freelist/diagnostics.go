package freelist

import (
	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// FreeBytes returns the number of bytes currently held in free blocks, headers included
func (m *Allocator) FreeBytes() int { return m.freeBytes }

// MinFreeBytes returns the lowest value FreeBytes has reached since the last Init. It never rises
// except on reinitialization, which makes it a worst-case memory pressure signal.
func (m *Allocator) MinFreeBytes() int { return m.minFree }

// AllocationCount returns the number of live allocations
func (m *Allocator) AllocationCount() int { return m.allocCount }

// LargestFreeBlock walks the free list and returns the size of the largest free block
func (m *Allocator) LargestFreeBlock() (int, error) {
	if err := m.checkUsable(); err != nil {
		return 0, err
	}

	largest := 0
	prev := noBlock
	for current := m.head; current != m.tail; current = m.next(current) {
		if err := m.checkFreeEntry(current, prev); err != nil {
			return 0, err
		}

		if size := m.blockSize(current); size > largest {
			largest = size
		}
		prev = current
	}

	return largest, nil
}

// FragmentationPercent returns 100 - largest*100/free: 0 when the free space is one contiguous
// block or there is none, and 100 in the degenerate case where free bytes are recorded but no free
// block can be found.
func (m *Allocator) FragmentationPercent() int {
	if m.freeBytes == 0 {
		return 0
	}

	largest, err := m.LargestFreeBlock()
	if err != nil {
		return 100
	}

	return memutils.FragmentationPercent(largest, m.freeBytes)
}

// Validate performs a full consistency check of the heap: every block is aligned and in bounds,
// the blocks tile the arena exactly, the tail sentinel is intact, the free list is address ordered
// and contains exactly the free blocks, no two free blocks are adjacent, and the counters agree
// with what was found. It is linear in the number of blocks and meant for diagnostics, not the
// hot path.
func (m *Allocator) Validate() error {
	if m.arena == nil {
		return errors.Wrap(memutils.InitError, "heap is not initialized")
	}

	if m.fault != nil {
		return m.fault
	}

	if !m.isUsed(m.tail) || m.blockSize(m.tail) != 0 {
		return errors.Wrapf(memutils.CorruptionFault, "tail sentinel at offset %d was overwritten", m.tail)
	}

	var freeCount, freeSize, allocCount int
	previousFree := false
	offset := 0
	for offset < m.tail {
		size := m.blockSize(offset)
		if size < m.headerSize || size%int(m.alignment) != 0 || offset+size > m.tail {
			return errors.Wrapf(memutils.CorruptionFault, "block at offset %d has invalid size %d", offset, size)
		}

		if m.isUsed(offset) {
			allocCount++
			previousFree = false
		} else {
			if previousFree {
				return errors.Wrapf(memutils.CorruptionFault, "free block at offset %d was not merged with the free block before it", offset)
			}
			freeCount++
			freeSize += size
			previousFree = true
		}

		offset += size
	}

	if offset != m.tail {
		return errors.Wrapf(memutils.CorruptionFault, "blocks end at offset %d, but the tail sentinel is at offset %d", offset, m.tail)
	}

	var listCount, listSize int
	prev := noBlock
	for current := m.head; current != m.tail; current = m.next(current) {
		if err := m.validateFreeEntry(current, prev); err != nil {
			return err
		}

		if prev != noBlock && prev+m.blockSize(prev) == current {
			return errors.Wrapf(memutils.CorruptionFault, "free blocks at offsets %d and %d are adjacent but were not merged", prev, current)
		}

		listCount++
		listSize += m.blockSize(current)
		prev = current
	}

	if listCount != freeCount {
		return errors.Wrapf(memutils.CorruptionFault, "the free list holds %d blocks, but the arena holds %d free blocks", listCount, freeCount)
	}

	if listSize != m.freeBytes || freeSize != m.freeBytes {
		return errors.Wrapf(memutils.CorruptionFault, "the heap records %d free bytes, but the free list adds up to %d and the free blocks in the arena add up to %d",
			m.freeBytes, listSize, freeSize)
	}

	if allocCount != m.allocCount {
		return errors.Wrapf(memutils.CorruptionFault, "the heap records %d allocations, but the arena holds %d used blocks", m.allocCount, allocCount)
	}

	if m.minFree > m.freeBytes {
		return errors.Wrapf(memutils.CorruptionFault, "the free byte watermark %d is above the current free byte count %d", m.minFree, m.freeBytes)
	}

	return nil
}

// VisitAllRegions calls handleRegion for every block in the arena in address order. Offsets and
// sizes describe whole blocks, headers included. Traversal stops at the first error returned by
// handleRegion.
func (m *Allocator) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	if err := m.checkUsable(); err != nil {
		return err
	}

	for offset := 0; offset < m.tail; {
		size := m.blockSize(offset)
		if size < m.headerSize || offset+size > m.tail {
			return m.corruptf("block at offset %d has invalid size %d", offset, size)
		}

		err := handleRegion(offset, size, !m.isUsed(offset))
		if err != nil {
			return err
		}

		offset += size
	}

	return nil
}

// CheckCorruption verifies the guard bytes written after every live allocation. Guard bytes are
// only written when built with the debug_mem_utils tag; otherwise this only walks the arena.
func (m *Allocator) CheckCorruption() error {
	return m.VisitAllRegions(func(offset int, size int, free bool) error {
		if !free && !memutils.ValidateMagicValue(m.arena, offset+size-memutils.DebugMargin) {
			return m.corruptf("guard bytes after the allocation at offset %d were overwritten", offset+m.headerSize)
		}
		return nil
	})
}

// AddStatistics sums this heap's allocation statistics into the provided memutils.Statistics
func (m *Allocator) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaCount++
	stats.AllocationCount += m.allocCount
	stats.ArenaBytes += m.Size()
	stats.AllocationBytes += m.Size() - m.freeBytes
}

// AddDetailedStatistics sums this heap's per-block statistics into the provided
// memutils.DetailedStatistics
func (m *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += m.Size()

	_ = m.VisitAllRegions(func(offset int, size int, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
}

// BlockJsonData populates a json object with information about this heap
func (m *Allocator) BlockJsonData(json jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	json.Name("Strategy").String("FreeList")
	json.Name("TotalBytes").Int(m.Size())
	json.Name("FreeBytes").Int(m.freeBytes)
	json.Name("MinFreeBytes").Int(m.minFree)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("FreeRanges").Int(stats.FreeRangeCount)
	json.Name("LargestFreeRange").Int(stats.FreeRangeSizeMax)
	json.Name("FragmentationPercent").Int(m.FragmentationPercent())
}
