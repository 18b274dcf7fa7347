package freelist

import (
	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/memutils"
)

// Resize changes the payload size of an allocation and returns its (possibly new) offset.
//
// Requests that fit in the current block return the same offset without moving anything. Larger
// requests first try to absorb the free block that physically follows the allocation; failing
// that, a new block is allocated, the old payload is copied into it and the old block is freed.
// If that fallback cannot find room, the error wraps memutils.OutOfMemoryError and the original
// allocation is left untouched.
//
// Resize(NoAllocation, n) is Allocate(n), and Resize(offset, 0) frees offset and returns
// NoAllocation.
func (m *Allocator) Resize(offset int, newSize int) (int, error) {
	if offset == NoAllocation {
		return m.Allocate(newSize)
	}

	if newSize == 0 {
		return NoAllocation, m.Free(offset)
	}

	if err := m.checkUsable(); err != nil {
		return NoAllocation, err
	}

	if newSize < 0 {
		return NoAllocation, errors.Newf("allocation size must not be negative, got %d", newSize)
	}

	block, err := m.usedBlock(offset)
	if err != nil {
		return NoAllocation, err
	}

	oldSize := m.blockSize(block)
	capacity := oldSize - m.headerSize - memutils.DebugMargin
	if newSize <= capacity {
		return offset, nil
	}

	need, ok := m.requiredBlockSize(newSize)
	if !ok {
		return NoAllocation, errors.Wrapf(memutils.OutOfMemoryError, "cannot grow allocation at offset %d to %d bytes", offset, newSize)
	}

	grown, err := m.growInPlace(block, oldSize, need)
	if err != nil {
		return NoAllocation, err
	}
	if grown {
		return offset, nil
	}

	newOffset, err := m.Allocate(newSize)
	if err != nil {
		return NoAllocation, err
	}

	copy(m.arena[newOffset:newOffset+newSize], m.arena[offset:offset+capacity])

	if err := m.Free(offset); err != nil {
		return NoAllocation, err
	}

	return newOffset, nil
}

// growInPlace tries to extend a used block to need bytes by absorbing the free block directly
// after it. It reports false without changing anything if that is not possible.
func (m *Allocator) growInPlace(block, oldSize, need int) (bool, error) {
	neighbour := block + oldSize
	if neighbour >= m.tail || m.isUsed(neighbour) {
		return false, nil
	}

	combined, ok := memutils.CheckedAdd(oldSize, m.blockSize(neighbour), MaxArenaSize)
	if !ok {
		return false, m.corruptf("growing block at offset %d into offset %d overflows the block size", block, neighbour)
	}

	if combined < need {
		return false, nil
	}

	// The list only links forward, so find the neighbour's predecessor by walking from the head
	prev := noBlock
	current := m.head
	for current != m.tail && current < neighbour {
		if err := m.checkFreeEntry(current, prev); err != nil {
			return false, err
		}
		prev = current
		current = m.next(current)
	}

	if current != neighbour {
		return false, m.corruptf("free block at offset %d is missing from the free list", neighbour)
	}

	if err := m.checkFreeEntry(neighbour, prev); err != nil {
		return false, err
	}

	following := m.next(neighbour)
	remain := combined - need
	if remain >= m.minSplit {
		split := block + need
		m.writeHeader(split, remain, false, following)
		m.link(prev, split)
		m.setSize(block, need)
	} else {
		m.link(prev, following)
		m.setSize(block, combined)
		need = combined
	}

	// Free bytes shrink by exactly what the block gained, split or not
	m.freeBytes -= need - oldSize
	m.updateWatermark()

	memutils.WriteMagicValue(m.arena, block+need-memutils.DebugMargin)
	return true, nil
}

// Payload returns the usable bytes of a live allocation. The slice aliases the arena and is only
// valid until the allocation is freed or moved by Resize.
func (m *Allocator) Payload(offset int) ([]byte, error) {
	if err := m.checkUsable(); err != nil {
		return nil, err
	}

	block, err := m.usedBlock(offset)
	if err != nil {
		return nil, err
	}

	capacity := m.blockSize(block) - m.headerSize - memutils.DebugMargin
	return m.arena[offset : offset+capacity : offset+capacity], nil
}
