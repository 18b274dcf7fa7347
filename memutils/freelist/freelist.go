// Package freelist implements a general-purpose heap over a fixed, caller-owned byte arena.
//
// Blocks are identified by their offset into the arena. Every block carries a small in-band
// header recording its size and whether it is in use; free blocks are additionally chained into
// a singly linked, address-ordered free list. Allocation is first-fit with in-place splitting,
// and freeing coalesces with both physical neighbours, so no two free blocks are ever adjacent.
//
// The allocator never grows the arena and never touches memory outside of it. Allocator
// instances are not safe for concurrent use.
package freelist

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/eigenmath/eheap/memutils"
)

const (
	// DefaultAlignment is the alignment used when Options.Alignment is left at zero
	DefaultAlignment uint = 4
	// MaxArenaSize is the largest arena, in bytes, that a block header can describe
	MaxArenaSize = int(sizeMask)
	// NoAllocation is returned in place of an offset when nothing was allocated. Passing it to
	// Free is a no-op and passing it to Resize behaves like Allocate.
	NoAllocation = -1
)

// Options configures an Allocator. The zero value is valid.
type Options struct {
	// Alignment is the power-of-two alignment of every block and payload. Zero selects
	// DefaultAlignment.
	Alignment uint
}

// Allocator is a first-fit free-list heap over a single arena.
type Allocator struct {
	alignment  uint
	headerSize int
	minSplit   int

	buffer []byte
	arena  []byte
	// tail is the offset of the reserved tail sentinel, which is also the usable arena size
	tail int
	// head is the offset of the lowest free block, or tail if there are no free blocks
	head int

	freeBytes  int
	minFree    int
	allocCount int

	fault error
}

var _ memutils.Validatable = &Allocator{}

// New creates an Allocator. It must be initialized with Init before use.
func New(options Options) *Allocator {
	alignment := options.Alignment
	if alignment == 0 {
		alignment = DefaultAlignment
	}

	headerSize := memutils.AlignUp(headerRawSize, alignment)
	return &Allocator{
		alignment:  alignment,
		headerSize: headerSize,
		minSplit:   headerSize * 2,
		head:       noBlock,
		tail:       noBlock,
	}
}

// Init builds the heap over buffer, discarding any state from a previous Init. The start of the
// arena is rounded up to the alignment by real address and its length is truncated to a multiple
// of the alignment; the top header-sized slot is reserved as the tail sentinel and the rest
// becomes a single free block. The buffer is referenced, not copied, and must outlive the
// Allocator.
func (m *Allocator) Init(buffer []byte) error {
	m.buffer = nil
	m.arena = nil
	m.head = noBlock
	m.tail = noBlock
	m.freeBytes = 0
	m.minFree = 0
	m.allocCount = 0
	m.fault = nil

	if err := memutils.CheckPow2(m.alignment, "alignment"); err != nil {
		return errors.Mark(errors.Wrap(err, "invalid heap alignment"), memutils.InitError)
	}

	if buffer == nil {
		return errors.Wrap(memutils.InitError, "heap buffer is nil")
	}

	minimum := m.minSplit + int(m.alignment)
	if len(buffer) < minimum+m.headerSize {
		return errors.Wrapf(memutils.InitError, "heap buffer of %d bytes cannot hold the minimum of %d bytes", len(buffer), minimum+m.headerSize)
	}

	address := uintptr(unsafe.Pointer(unsafe.SliceData(buffer)))
	align := uintptr(m.alignment)
	padding := int((align - address%align) % align)

	size := memutils.AlignDown(len(buffer)-padding, m.alignment)
	if size > MaxArenaSize {
		return errors.Wrapf(memutils.InitError, "heap buffer of %d bytes is larger than the maximum of %d bytes", len(buffer), MaxArenaSize)
	}

	usable := size - m.headerSize
	if usable < minimum {
		return errors.Wrapf(memutils.InitError, "heap buffer of %d bytes leaves %d usable bytes after alignment, need at least %d", len(buffer), usable, minimum)
	}

	m.buffer = buffer
	m.arena = buffer[padding : padding+size : padding+size]
	m.tail = usable
	m.head = 0

	m.writeHeader(0, usable, false, m.tail)
	m.writeHeader(m.tail, 0, true, m.tail)

	m.freeBytes = usable
	m.minFree = usable

	return nil
}

// Reset reinitializes the heap over the buffer most recently passed to Init. All outstanding
// allocations become invalid.
func (m *Allocator) Reset() error {
	if m.buffer == nil {
		return errors.Wrap(memutils.InitError, "heap was never initialized")
	}
	return m.Init(m.buffer)
}

// Arena returns the aligned region of the buffer that the heap manages. Offsets returned by
// Allocate and Resize index into this slice.
func (m *Allocator) Arena() []byte { return m.arena }

// Alignment returns the alignment of every block and payload
func (m *Allocator) Alignment() uint { return m.alignment }

// HeaderSize returns the number of bytes of bookkeeping that precede every payload
func (m *Allocator) HeaderSize() int { return m.headerSize }

// Size returns the number of bytes available to blocks: the aligned arena minus the tail sentinel
func (m *Allocator) Size() int {
	if m.arena == nil {
		return 0
	}
	return m.tail
}

// Fault returns the corruption error that halted the allocator, if any
func (m *Allocator) Fault() error { return m.fault }

func (m *Allocator) checkUsable() error {
	if m.fault != nil {
		return m.fault
	}
	if m.arena == nil {
		return errors.Wrap(memutils.InitError, "heap is not initialized")
	}
	return nil
}

// corruptf records a corruption fault, halting the allocator until it is reinitialized
func (m *Allocator) corruptf(format string, args ...any) error {
	m.fault = errors.Wrapf(memutils.CorruptionFault, format, args...)
	return m.fault
}

func (m *Allocator) updateWatermark() {
	if m.freeBytes < m.minFree {
		m.minFree = m.freeBytes
	}
}

// requiredBlockSize returns the total block size needed for a payload of size bytes, or false
// if that size cannot be represented in a block header
func (m *Allocator) requiredBlockSize(size int) (int, bool) {
	payload, ok := memutils.CheckedAdd(size, memutils.DebugMargin, MaxArenaSize)
	if !ok {
		return 0, false
	}

	payload, ok = memutils.CheckedAlignUp(payload, m.alignment)
	if !ok {
		return 0, false
	}

	return memutils.CheckedAdd(payload, m.headerSize, MaxArenaSize)
}

// validateFreeEntry checks a block reached by walking the free list from prev
func (m *Allocator) validateFreeEntry(block, prev int) error {
	if block <= prev {
		return errors.Wrapf(memutils.CorruptionFault, "free list is out of address order: block at offset %d follows block at offset %d", block, prev)
	}

	if block < 0 || block%int(m.alignment) != 0 || block+m.headerSize > m.tail {
		return errors.Wrapf(memutils.CorruptionFault, "free list references invalid block offset %d", block)
	}

	if m.isUsed(block) {
		return errors.Wrapf(memutils.CorruptionFault, "block at offset %d is in the free list but is marked used", block)
	}

	size := m.blockSize(block)
	if size < m.headerSize || size%int(m.alignment) != 0 || block+size > m.tail {
		return errors.Wrapf(memutils.CorruptionFault, "free block at offset %d has invalid size %d", block, size)
	}

	return nil
}

// checkFreeEntry is validateFreeEntry for traversals that must halt the allocator on failure
func (m *Allocator) checkFreeEntry(block, prev int) error {
	if err := m.validateFreeEntry(block, prev); err != nil {
		m.fault = err
		return err
	}
	return nil
}

// usedBlock maps a payload offset handed out by Allocate back to its block, verifying that it
// refers to a live allocation
func (m *Allocator) usedBlock(offset int) (int, error) {
	block := offset - m.headerSize
	if offset < m.headerSize || block >= m.tail {
		return 0, m.corruptf("offset %d is outside of the heap", offset)
	}

	if block%int(m.alignment) != 0 {
		return 0, m.corruptf("offset %d is not aligned to %d bytes", offset, m.alignment)
	}

	if !m.isUsed(block) {
		return 0, m.corruptf("offset %d does not refer to a live allocation; possible double free", offset)
	}

	size := m.blockSize(block)
	if size < m.headerSize+int(m.alignment) || size%int(m.alignment) != 0 || block+size > m.tail {
		return 0, m.corruptf("allocation at offset %d has invalid block size %d", offset, size)
	}

	if !memutils.ValidateMagicValue(m.arena, block+size-memutils.DebugMargin) {
		return 0, m.corruptf("guard bytes after the allocation at offset %d were overwritten", offset)
	}

	return block, nil
}

// Allocate reserves a block with at least size bytes of payload and returns the payload offset.
// A size of zero allocates nothing and returns NoAllocation with no error. When no free block is
// large enough the returned error wraps memutils.OutOfMemoryError and the heap is unchanged.
func (m *Allocator) Allocate(size int) (int, error) {
	if err := m.checkUsable(); err != nil {
		return NoAllocation, err
	}

	if size < 0 {
		return NoAllocation, errors.Newf("allocation size must not be negative, got %d", size)
	}

	if size == 0 {
		return NoAllocation, nil
	}

	memutils.DebugValidate(m)

	total, ok := m.requiredBlockSize(size)
	if !ok || total > m.freeBytes {
		return NoAllocation, errors.Wrapf(memutils.OutOfMemoryError, "cannot allocate %d bytes with %d bytes free", size, m.freeBytes)
	}

	prev := noBlock
	for current := m.head; current != m.tail; current = m.next(current) {
		if err := m.checkFreeEntry(current, prev); err != nil {
			return NoAllocation, err
		}

		currentSize := m.blockSize(current)
		if currentSize < total {
			prev = current
			continue
		}

		remain := currentSize - total
		if remain >= m.minSplit {
			// Carve the head off and leave the tail in the same list position
			split := current + total
			m.writeHeader(split, remain, false, m.next(current))
			m.link(prev, split)
			currentSize = total
		} else {
			m.link(prev, m.next(current))
		}

		m.writeHeader(current, currentSize, true, m.tail)
		m.freeBytes -= currentSize
		m.allocCount++
		m.updateWatermark()

		memutils.WriteMagicValue(m.arena, current+currentSize-memutils.DebugMargin)
		return current + m.headerSize, nil
	}

	return NoAllocation, errors.Wrapf(memutils.OutOfMemoryError, "no free block can hold %d bytes; %d bytes free", size, m.freeBytes)
}

// Free returns an allocation to the heap, merging it with any free physical neighbours. Freeing
// NoAllocation is a no-op. An offset that is out of bounds, misaligned, or not currently allocated
// produces a memutils.CorruptionFault and halts the allocator.
func (m *Allocator) Free(offset int) error {
	if offset == NoAllocation {
		return nil
	}

	if err := m.checkUsable(); err != nil {
		return err
	}

	block, err := m.usedBlock(offset)
	if err != nil {
		return err
	}

	size := m.blockSize(block)
	m.markFree(block)
	m.freeBytes += size
	m.allocCount--

	return m.insertFree(block)
}

// insertFree links a block that has just been marked free into the address-ordered free list,
// coalescing forward then backward.
func (m *Allocator) insertFree(block int) error {
	size := m.blockSize(block)

	prev := noBlock
	next := m.head
	for next != m.tail && next < block {
		if err := m.checkFreeEntry(next, prev); err != nil {
			return err
		}
		prev = next
		next = m.next(next)
	}

	if next == block {
		return m.corruptf("block at offset %d is already in the free list", block)
	}

	if next != m.tail {
		if err := m.checkFreeEntry(next, prev); err != nil {
			return err
		}
		if block+size > next {
			return m.corruptf("block at offset %d overlaps the free block at offset %d", block, next)
		}
	}

	if prev != noBlock && prev+m.blockSize(prev) > block {
		return m.corruptf("block at offset %d overlaps the free block at offset %d", block, prev)
	}

	// Merge forward
	following := next
	if next != m.tail && block+size == next {
		merged, ok := memutils.CheckedAdd(size, m.blockSize(next), MaxArenaSize)
		if !ok {
			return m.corruptf("merging blocks at offsets %d and %d overflows the block size", block, next)
		}
		size = merged
		following = m.next(next)
	}

	// Merge backward
	if prev != noBlock && prev+m.blockSize(prev) == block {
		merged, ok := memutils.CheckedAdd(m.blockSize(prev), size, MaxArenaSize)
		if !ok {
			return m.corruptf("merging blocks at offsets %d and %d overflows the block size", prev, block)
		}
		m.writeHeader(prev, merged, false, following)
		return nil
	}

	m.writeHeader(block, size, false, following)
	m.link(prev, block)
	return nil
}
